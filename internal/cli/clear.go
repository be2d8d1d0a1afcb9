package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// ClearOptions holds flags for the clear command.
type ClearOptions struct {
	*RootOptions
	BackendOptions
	Fingerprint string
	All         bool
}

// NewClearCommand creates the clear command.
func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClearOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete cached snapshots",
		Long: `Delete one snapshot by fingerprint, or all of them with --all.

Clearing a corrupt record lets the owning store resync from scratch.

Examples:
  liveset clear --db ./liveset.db --fingerprint <hash>
  liveset clear --db ./liveset.db --all`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClear(opts, cmd)
		},
	}

	addBackendFlags(cmd, &opts.BackendOptions)
	cmd.Flags().StringVar(&opts.Fingerprint, "fingerprint", "", "store fingerprint to clear")
	cmd.Flags().BoolVar(&opts.All, "all", false, "clear every snapshot")
	return cmd
}

func runClear(opts *ClearOptions, cmd *cobra.Command) error {
	if (opts.Fingerprint != "") == opts.All {
		return NewExitError(ExitCommandError, "pass exactly one of --fingerprint or --all")
	}

	ctx := context.Background()
	backend, err := openBackend(ctx, opts.RootOptions, &opts.BackendOptions)
	if err != nil {
		return err
	}
	defer backend.Close()

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	if !opts.All {
		if err := backend.Delete(ctx, opts.Fingerprint); err != nil {
			return WrapExitError(ExitCommandError, "failed to delete snapshot", err)
		}
		return formatter.Success(fmt.Sprintf("cleared %s", opts.Fingerprint))
	}

	metas, err := backend.List(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list snapshots", err)
	}
	for _, m := range metas {
		if err := backend.Delete(ctx, m.ID); err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to delete snapshot %s", m.ID), err)
		}
	}
	return formatter.Success(fmt.Sprintf("cleared %d snapshot(s)", len(metas)))
}
