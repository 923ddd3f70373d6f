package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <repository> <package>",
		Short: "Show the preferred and newest record of a package",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd.Context(), cmd, args[0], args[1])
		},
	}
}

func runShow(ctx context.Context, cmd *cobra.Command, repository string, identifier string) error {
	service, err := newAppService()
	if err != nil {
		return err
	}
	if _, err := service.LoadSources(ctx); err != nil {
		return err
	}
	lookup, err := service.LookupPackage(ctx, repository, identifier)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "package:   %s\n", lookup.Identifier)
	if lookup.Preferred != nil {
		fmt.Fprintf(out, "preferred: %s (%s)\n", lookup.Preferred.Version, lookup.Preferred.Architecture)
	}
	if lookup.Newest != nil {
		fmt.Fprintf(out, "newest:    %s (%s)\n", lookup.Newest.Version, lookup.Newest.Architecture)
	}
	for _, record := range lookup.Versions {
		fmt.Fprintf(out, "  %s %s\n", record.Version, record.Architecture)
	}
	return nil
}
