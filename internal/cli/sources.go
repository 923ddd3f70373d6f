package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"aptsync/internal/app"
)

func newSourcesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List, add and remove repositories",
	}
	cmd.AddCommand(newSourcesListCommand())
	cmd.AddCommand(newSourcesAddCommand())
	cmd.AddCommand(newSourcesRemoveCommand())
	return cmd
}

func newSourcesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured repositories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSourcesList(cmd.Context(), cmd)
		},
	}
}

func runSourcesList(ctx context.Context, cmd *cobra.Command) error {
	service, err := newAppService()
	if err != nil {
		return err
	}
	loaded, err := service.LoadSources(ctx)
	if err != nil {
		return err
	}
	printDiagnostics(cmd.ErrOrStderr(), loaded.Diagnostics)
	for _, status := range service.Repositories(ctx) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %-40s %-10s %6d packages  %s\n",
			status.ID, status.URL, status.PreferredArch, status.Packages, status.Name)
	}
	return nil
}

func newSourcesAddCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add <uri> [suite] [component...]",
		Short: "Add a repository to the writable source list",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSourcesAdd(cmd.Context(), cmd, args)
		},
	}
}

func runSourcesAdd(ctx context.Context, cmd *cobra.Command, args []string) error {
	service, err := newAppService()
	if err != nil {
		return err
	}
	if _, err := service.LoadSources(ctx); err != nil {
		return err
	}
	req := app.AddRepositoryRequest{URL: args[0]}
	if len(args) > 1 {
		req.Suites = []string{args[1]}
		req.Components = args[2:]
	}
	repo, err := service.AddRepository(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s)\n", repo.AptSource(), repo.ID())
	return nil
}

func newSourcesRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id|key>",
		Short: "Remove a repository and its cached data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSourcesRemove(cmd.Context(), cmd, strings.TrimSpace(args[0]))
		},
	}
}

func runSourcesRemove(ctx context.Context, cmd *cobra.Command, key string) error {
	service, err := newAppService()
	if err != nil {
		return err
	}
	if _, err := service.LoadSources(ctx); err != nil {
		return err
	}
	repo, err := service.RemoveRepository(ctx, key)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", repo.AptSource())
	return nil
}
