package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridianhq/liveset/internal/cache"
)

// ShowOptions holds flags for the show command.
type ShowOptions struct {
	*RootOptions
	BackendOptions
	Fingerprint string
}

// SnapshotDetail is the decoded snapshot the show command prints.
type SnapshotDetail struct {
	ID         string             `json:"id"`
	Version    int64              `json:"version"`
	CachedAt   time.Time          `json:"cached_at"`
	Entities   int                `json:"entities"`
	MemberIDs  int                `json:"member_ids"`
	Operations []OperationSummary `json:"operations"`
}

// OperationSummary is one logged operation in the show output.
type OperationSummary struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Instances int       `json:"instances"`
	Timestamp time.Time `json:"timestamp"`
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show one decoded snapshot",
		Long: `Decode and print a single snapshot by store fingerprint.

Examples:
  liveset show --db ./liveset.db --fingerprint <hash>
  liveset show --db ./liveset.db --fingerprint <hash> --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(opts, cmd)
		},
	}

	addBackendFlags(cmd, &opts.BackendOptions)
	cmd.Flags().StringVar(&opts.Fingerprint, "fingerprint", "", "store fingerprint (required)")
	_ = cmd.MarkFlagRequired("fingerprint")
	return cmd
}

func runShow(opts *ShowOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	backend, err := openBackend(ctx, opts.RootOptions, &opts.BackendOptions)
	if err != nil {
		return err
	}
	defer backend.Close()

	snap, err := backend.Load(ctx, opts.Fingerprint)
	if err != nil {
		if cache.IsCorrupt(err) {
			return WrapExitError(ExitFailure, "snapshot is corrupt; clear it and resync", err)
		}
		return WrapExitError(ExitCommandError, "failed to load snapshot", err)
	}
	if snap == nil {
		return NewExitError(ExitFailure, fmt.Sprintf("no snapshot for fingerprint %q", opts.Fingerprint))
	}

	detail := SnapshotDetail{
		ID:        snap.ID,
		Version:   snap.Version,
		CachedAt:  snap.CachedAt,
		Entities:  len(snap.GroundTruth),
		MemberIDs: len(snap.GroundTruthIDs),
	}
	for _, rec := range snap.Operations {
		detail.Operations = append(detail.Operations, OperationSummary{
			ID:        rec.ID,
			Type:      rec.Type,
			Status:    rec.Status,
			Instances: len(rec.Instances),
			Timestamp: rec.Timestamp,
		})
	}

	if opts.Format == "json" {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(CLIResponse{Status: "ok", Data: detail})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Fingerprint: %s\n", detail.ID)
	fmt.Fprintf(out, "Version:     %d\n", detail.Version)
	fmt.Fprintf(out, "Cached at:   %s\n", detail.CachedAt.Format(time.RFC3339))
	if detail.Entities > 0 {
		fmt.Fprintf(out, "Entities:    %d\n", detail.Entities)
	}
	if detail.MemberIDs > 0 {
		fmt.Fprintf(out, "Member ids:  %d\n", detail.MemberIDs)
	}
	fmt.Fprintf(out, "Operations:  %d\n", len(detail.Operations))
	for _, o := range detail.Operations {
		fmt.Fprintf(out, "  %s  %-16s %-9s %d instance(s)  %s\n",
			o.ID, o.Type, o.Status, o.Instances, o.Timestamp.Format(time.RFC3339))
	}
	return nil
}
