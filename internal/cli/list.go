package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	BackendOptions
}

// SnapshotInfo is one row of the list output.
type SnapshotInfo struct {
	ID       string    `json:"id"`
	Version  int64     `json:"version"`
	CachedAt time.Time `json:"cached_at"`
	Bytes    int64     `json:"bytes"`
	Corrupt  bool      `json:"corrupt,omitempty"`
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"snapshots"},
		Short:   "List cached store snapshots",
		Long: `List every snapshot in the durable cache, newest first.

Each store persists one snapshot keyed by its fingerprint. A version of -1
marks a record that no longer decodes; clear it and let the store resync.

Examples:
  liveset list --db ./liveset.db
  liveset list --redis localhost:6379 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, cmd)
		},
	}

	addBackendFlags(cmd, &opts.BackendOptions)
	return cmd
}

func runList(opts *ListOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	backend, err := openBackend(ctx, opts.RootOptions, &opts.BackendOptions)
	if err != nil {
		return err
	}
	defer backend.Close()

	metas, err := backend.List(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list snapshots", err)
	}

	sort.Slice(metas, func(i, j int) bool { return metas[i].CachedAt.After(metas[j].CachedAt) })

	rows := make([]SnapshotInfo, 0, len(metas))
	for _, m := range metas {
		rows = append(rows, SnapshotInfo{
			ID:       m.ID,
			Version:  m.Version,
			CachedAt: m.CachedAt,
			Bytes:    m.Bytes,
			Corrupt:  m.Version < 0,
		})
	}

	if opts.Format == "json" {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(CLIResponse{Status: "ok", Data: rows})
	}

	if len(rows) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No snapshots.")
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-64s %8s %-20s %10s\n", "FINGERPRINT", "VERSION", "CACHED AT", "BYTES")
	for _, r := range rows {
		version := fmt.Sprintf("%d", r.Version)
		if r.Corrupt {
			version = "corrupt"
		}
		fmt.Fprintf(&b, "%-64s %8s %-20s %10d\n", r.ID, version, r.CachedAt.Format(time.RFC3339), r.Bytes)
	}
	fmt.Fprint(cmd.OutOrStdout(), b.String())
	return nil
}
