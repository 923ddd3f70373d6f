package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"aptsync/internal/app"
	"aptsync/internal/types"
)

type syncOptions struct {
	Force      bool
	Background bool
	Workers    int
}

func newSyncCommand() *cobra.Command {
	opts := syncOptions{}
	cmd := &cobra.Command{
		Use:   "sync [repository...]",
		Short: "Refresh repository metadata and catalogs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), cmd, opts, args)
		},
	}
	cmd.Flags().BoolVar(&opts.Force, "force", false, "Bypass change detection and refetch everything")
	cmd.Flags().BoolVar(&opts.Background, "background", false, "Use background timeouts and fewer workers")
	cmd.Flags().IntVar(&opts.Workers, "sync-workers", 0, "Override the worker count for this sync")
	_ = viper.BindPFlag("force", cmd.Flags().Lookup("force"))
	return cmd
}

func runSync(ctx context.Context, cmd *cobra.Command, opts syncOptions, repositories []string) error {
	service, err := newAppService()
	if err != nil {
		return err
	}
	loaded, err := service.LoadSources(ctx)
	if err != nil {
		return err
	}
	printDiagnostics(cmd.ErrOrStderr(), loaded.Diagnostics)

	events, unsubscribe := service.Subscribe(16)
	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case event := <-events:
				printEvent(cmd.OutOrStdout(), event)
			case <-done:
				for {
					select {
					case event := <-events:
						printEvent(cmd.OutOrStdout(), event)
					default:
						return
					}
				}
			}
		}
	}()
	summary, err := service.Sync(ctx, app.SyncRequest{
		Repositories:  repositories,
		Force:         resolveBool(cmd, opts.Force, "force", "force"),
		UserInitiated: !opts.Background,
		Workers:       resolveInt(cmd, opts.Workers, "sync_workers", "sync-workers"),
	})
	unsubscribe()
	close(done)
	wg.Wait()
	if err != nil {
		return err
	}
	printDiagnostics(cmd.ErrOrStderr(), summary.Diagnostics)
	fmt.Fprintf(cmd.OutOrStdout(), "repositories updated: %d of %d\n", summary.ReposUpdated, len(summary.Outcomes))
	if summary.HadErrors {
		return errSyncHadErrors
	}
	return nil
}

func printEvent(w io.Writer, event types.SyncEvent) {
	switch {
	case event.State == types.SyncStateErrored:
		fmt.Fprintf(w, "failed  %s (%s)\n", event.Repository, event.Kind)
	case event.Changed:
		fmt.Fprintf(w, "updated %s\n", event.Repository)
	default:
		fmt.Fprintf(w, "current %s\n", event.Repository)
	}
}

func printDiagnostics(w io.Writer, diagnostics []types.Diagnostic) {
	if w == nil {
		w = os.Stderr
	}
	for _, diag := range diagnostics {
		fmt.Fprintln(w, diag.String())
	}
}
