package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/meridianhq/liveset/internal/cache"
)

// VacuumOptions holds flags for the vacuum command.
type VacuumOptions struct {
	*RootOptions
	Database string
}

// NewVacuumCommand creates the vacuum command. SQLite only: Redis reclaims
// space on its own.
func NewVacuumCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VacuumOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "vacuum",
		Short: "Compact the SQLite snapshot database",
		Long: `Run VACUUM on the SQLite snapshot database, reclaiming space left
by cleared snapshots.

Examples:
  liveset vacuum --db ./liveset.db`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVacuum(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite snapshot database (required)")
	_ = cmd.MarkFlagRequired("db")
	return cmd
}

func runVacuum(opts *VacuumOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	backend, err := cache.OpenSQLite(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open sqlite cache", err)
	}
	defer backend.Close()

	if err := backend.Vacuum(ctx); err != nil {
		return WrapExitError(ExitCommandError, "vacuum failed", err)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	return formatter.Success("vacuumed " + opts.Database)
}
