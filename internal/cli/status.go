package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/outbox/internal/ir"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Calendar int64 // 0: every calendar
}

// StatusResult is the JSON payload of the status command.
type StatusResult struct {
	Scope             string `json:"scope,omitempty"`
	Upserts           int    `json:"upserts"`
	Deletes           int    `json:"deletes"`
	HasOfflineChanges bool   `json:"has_offline_changes"`
	LastSync          string `json:"last_sync,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show how many changes are waiting to sync",
		Long: `Show the number of pending creates/updates and deletes.

With --calendar the counts are limited to one calendar and the time of
its last clean sync is shown.

Examples:
  outbox status
  outbox status --calendar 3 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.Calendar, "calendar", 0, "calendar id (0: all calendars)")

	return cmd
}

func runStatus(ctx context.Context, opts *StatusOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd)

	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	scope := scopeFlag(opts.Calendar)
	eng := a.svc.Engine()
	counts, err := eng.Counts(ctx, scope)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to count pending changes", err)
	}

	result := StatusResult{
		Upserts:           counts.Upserts,
		Deletes:           counts.Deletes,
		HasOfflineChanges: counts.Total() > 0,
	}
	if !scope.IsZero() {
		result.Scope = scope.String()
		if last, ok := eng.LastSync(ctx, scope); ok {
			result.LastSync = last.UTC().Format(time.RFC3339)
		}
	}

	if opts.Format == "json" {
		return formatter.Success(result)
	}

	w := cmd.OutOrStdout()
	if result.Scope != "" {
		fmt.Fprintf(w, "Scope:     %s\n", result.Scope)
	}
	fmt.Fprintf(w, "Upserts:   %d\n", result.Upserts)
	fmt.Fprintf(w, "Deletes:   %d\n", result.Deletes)
	if result.Scope != "" {
		last := result.LastSync
		if last == "" {
			last = "never"
		}
		fmt.Fprintf(w, "Last sync: %s\n", last)
	}
	if result.HasOfflineChanges {
		fmt.Fprintln(w, "You have offline changes waiting to sync.")
	}
	return nil
}

// PendingOptions holds flags for the pending command.
type PendingOptions struct {
	*RootOptions
	Calendar int64
}

// PendingEntry is one queued change as printed by the pending command.
type PendingEntry struct {
	Op     string `json:"op"`
	ID     int64  `json:"id"`
	Title  string `json:"title"`
	Scope  string `json:"scope"`
	Detail string `json:"detail,omitempty"`
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PendingOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List changes waiting to sync",
		Long: `List the queued changes in the order a sync replays them.

Deletes come first. Creates and updates follow, oldest first. Local ids
are negative; they are replaced by server ids once the create syncs.

Examples:
  outbox pending
  outbox pending --calendar 3 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPending(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.Calendar, "calendar", 0, "calendar id (0: all calendars)")

	return cmd
}

func runPending(ctx context.Context, opts *PendingOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd)

	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := listPending(ctx, a, scopeFlag(opts.Calendar))
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list pending changes", err)
	}

	if opts.Format == "json" {
		return formatter.Success(entries)
	}

	w := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(w, "Nothing to sync.")
		return nil
	}
	for _, e := range entries {
		line := fmt.Sprintf("%-7s %14d  %-24s %s", e.Op, e.ID, e.Title, e.Scope)
		if e.Detail != "" {
			line += "  (" + e.Detail + ")"
		}
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}
	return nil
}

// listPending returns the queue of scope in replay order.
func listPending(ctx context.Context, a *app, scope ir.Scope) ([]PendingEntry, error) {
	muts := a.svc.Engine().Mutations()

	deletes, err := muts.ListDeleted(ctx, scope)
	if err != nil {
		return nil, err
	}
	upserts, err := muts.ListUpserts(ctx, scope)
	if err != nil {
		return nil, err
	}

	entries := make([]PendingEntry, 0, len(deletes)+len(upserts))
	for _, d := range deletes {
		e := PendingEntry{Op: ir.OpDelete.String(), ID: d.ID.Raw(), Title: d.DisplayName, Scope: d.Scope.String()}
		if d.Cascade {
			e.Detail = "whole series"
		}
		entries = append(entries, e)
	}
	for _, u := range upserts {
		op := ir.OpUpdate
		if u.ID.IsLocal() {
			op = ir.OpCreate
		}
		entries = append(entries, PendingEntry{
			Op:    op.String(),
			ID:    u.ID.Raw(),
			Title: u.Payload.DisplayName(),
			Scope: u.Scope.String(),
		})
	}
	return entries, nil
}
