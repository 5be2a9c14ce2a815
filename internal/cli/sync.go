package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/outbox/internal/ir"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Calendar int64
	Force    bool
}

// SyncOutput is the JSON payload of the sync command.
type SyncOutput struct {
	Scope      string   `json:"scope"`
	Throttled  bool     `json:"throttled"`
	Changed    bool     `json:"changed"`
	Upserted   []int64  `json:"upserted"`
	Deleted    []int64  `json:"deleted"`
	Warnings   []string `json:"warnings"`
	Refetch    []string `json:"refetch"`
	Invalidate []string `json:"invalidate"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replay offline changes against the server",
		Long: `Replay the pending changes of one calendar against the server.

Deletes are sent first, then creates and updates in the order they were
made. Changes the server refuses are dropped with a warning. When the
server cannot be reached everything stays queued for the next attempt.

A calendar that synced cleanly less than sync.min_interval ago is
skipped unless --force is given.

Exit codes:
  0 - Sync finished (possibly with warnings) or was throttled
  1 - Sync did not finish (server unreachable, calendar being edited, etc.)
  2 - Command error (bad config, no server configured, etc.)

Examples:
  outbox sync --calendar 3
  outbox sync --calendar 3 --force --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.Calendar, "calendar", 1, "calendar id")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "sync even if the calendar synced recently")

	return cmd
}

func runSync(ctx context.Context, opts *SyncOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd)

	if opts.Calendar <= 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid calendar id %d", opts.Calendar))
	}

	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.requireServer(); err != nil {
		return err
	}

	scope := scopeFlag(opts.Calendar)
	formatter.VerboseLog("Syncing %s against %s", scope, a.cfg.Server.BaseURL)

	res, err := a.svc.Sync(ctx, scope, opts.Force)
	if err != nil {
		_ = formatter.Error(syncErrorCode(err), "sync failed", err.Error())
		return WrapExitError(ExitFailure, "sync failed", err)
	}

	out := newSyncOutput(res)
	if opts.Format == "json" {
		return formatter.Success(out)
	}

	w := cmd.OutOrStdout()
	if out.Throttled {
		fmt.Fprintf(w, "%s synced recently, skipped (use --force to sync anyway)\n", out.Scope)
		return nil
	}
	fmt.Fprintf(w, "%s: %d saved, %d deleted\n", out.Scope, len(out.Upserted), len(out.Deleted))
	for _, msg := range out.Warnings {
		fmt.Fprintf(w, "warning: %s\n", msg)
	}
	if !out.Changed {
		fmt.Fprintln(w, "Nothing changed on the server.")
	}
	return nil
}

// newSyncOutput flattens a sync result. Slices are never nil so the JSON
// shape is stable.
func newSyncOutput(res ir.SyncResult) SyncOutput {
	out := SyncOutput{
		Scope:      res.Scope.String(),
		Throttled:  res.Throttled,
		Changed:    res.AnythingChanged,
		Upserted:   make([]int64, 0, len(res.Upserted)),
		Deleted:    make([]int64, 0, len(res.Deleted)),
		Warnings:   make([]string, 0, len(res.Warnings)),
		Refetch:    append([]string{}, res.Plan.Refetch...),
		Invalidate: append([]string{}, res.Plan.Invalidate...),
	}
	for _, it := range res.Upserted {
		out.Upserted = append(out.Upserted, it.ID.Raw())
	}
	for _, id := range res.Deleted {
		out.Deleted = append(out.Deleted, id.Raw())
	}
	for _, w := range res.Warnings {
		out.Warnings = append(out.Warnings, w.Message())
	}
	return out
}
