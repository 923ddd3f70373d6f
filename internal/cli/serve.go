package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"aptsync/internal/adapters"
	"aptsync/internal/app"
)

type serveOptions struct {
	Listen          string
	RefreshInterval time.Duration
}

func newServeCommand() *cobra.Command {
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve catalogs over HTTP and refresh them in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Listen, "listen", "127.0.0.1:8080", "Listen address")
	cmd.Flags().DurationVar(&opts.RefreshInterval, "refresh-interval", 0, "Background refresh interval (0 = disabled)")
	_ = viper.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("refresh_interval", cmd.Flags().Lookup("refresh-interval"))
	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, opts serveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	service, err := newAppService()
	if err != nil {
		return err
	}
	loaded, err := service.LoadSources(ctx)
	if err != nil {
		return err
	}
	printDiagnostics(cmd.ErrOrStderr(), loaded.Diagnostics)

	interval := opts.RefreshInterval
	if !flagChanged(cmd, "refresh-interval") && viper.IsSet("refresh_interval") {
		interval = viper.GetDuration("refresh_interval")
	}
	if interval > 0 {
		go refreshLoop(ctx, service, interval)
	}

	server := &http.Server{
		Addr:              resolveString(cmd, opts.Listen, "listen", "listen"),
		Handler:           adapters.NewCatalogHandler(service),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("serving catalogs")
		errs <- server.ListenAndServe()
	}()
	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("http server failed").
			WithCause(err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// refreshLoop runs a background sync at every tick until ctx ends.
func refreshLoop(ctx context.Context, service app.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := service.Sync(ctx, app.SyncRequest{})
			if err != nil {
				log.Warn().Err(err).Msg("background sync failed")
				continue
			}
			log.Info().
				Int("updated", summary.ReposUpdated).
				Bool("errors", summary.HadErrors).
				Msg("background sync finished")
		}
	}
}
