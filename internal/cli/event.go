package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/outbox/internal/calendar"
	"github.com/roach88/outbox/internal/ir"
)

// EventOptions holds the event fields shared by event add and event edit.
type EventOptions struct {
	*RootOptions
	Title     string
	Start     string // RFC 3339
	Duration  int    // minutes
	AllDay    bool
	EveryDays int
	Count     int
	Calendar  int64
	Owner     int64
}

// EventOutput is the JSON payload of event add and event edit.
type EventOutput struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	Scope string `json:"scope"`
	Local bool   `json:"local"`
}

// NewEventCommand creates the event command group.
func NewEventCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Record calendar changes while offline",
		Long: `Record event changes in the local queue. Nothing is sent to the
server until "outbox sync" runs.`,
	}

	cmd.AddCommand(newEventAddCommand(rootOpts))
	cmd.AddCommand(newEventEditCommand(rootOpts))
	cmd.AddCommand(newEventRemoveCommand(rootOpts))
	cmd.AddCommand(newEventShowCommand(rootOpts))

	return cmd
}

func addEventFlags(cmd *cobra.Command, opts *EventOptions) {
	cmd.Flags().StringVar(&opts.Title, "title", "", "event title")
	cmd.Flags().StringVar(&opts.Start, "start", "", "start time (RFC 3339, e.g. 2024-03-04T09:00:00Z)")
	cmd.Flags().IntVar(&opts.Duration, "duration", 60, "duration in minutes")
	cmd.Flags().BoolVar(&opts.AllDay, "all-day", false, "all-day event")
	cmd.Flags().IntVar(&opts.EveryDays, "every-days", 0, "repeat every N days")
	cmd.Flags().IntVar(&opts.Count, "count", 0, "total number of occurrences of a repeating event")
	cmd.Flags().Int64Var(&opts.Calendar, "calendar", 1, "calendar id")
	cmd.Flags().Int64Var(&opts.Owner, "owner", 1, "owner id")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("start")
}

// event builds the payload from the flags.
func (o *EventOptions) event() (calendar.Event, error) {
	start, err := time.Parse(time.RFC3339, o.Start)
	if err != nil {
		return calendar.Event{}, fmt.Errorf("invalid --start %q: %w", o.Start, err)
	}
	e := calendar.Event{
		Title:           o.Title,
		Start:           start,
		DurationMinutes: o.Duration,
		AllDay:          o.AllDay,
		Repeat:          calendar.Repeat{EveryDays: o.EveryDays, Count: o.Count},
		CalendarID:      o.Calendar,
		OwnerID:         o.Owner,
	}
	if err := e.Validate(); err != nil {
		return calendar.Event{}, err
	}
	return e, nil
}

func newEventAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Queue a new event",
		Long: `Queue a new event. It gets a negative local id until it syncs.

Examples:
  outbox event add --title Standup --start 2024-03-04T09:00:00Z --duration 15
  outbox event add --title Gym --start 2024-03-04T18:00:00Z --every-days 7 --count 4`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEventSave(cmd.Context(), opts, ir.EntityID{}, cmd)
		},
	}
	addEventFlags(cmd, opts)
	return cmd
}

func newEventEditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Queue a change to an event",
		Long: `Queue a change to an event. A negative id edits an event that has not
synced yet; the queued create is rewritten in place. Put negative ids
after "--" so they are not read as flags.

Examples:
  outbox event edit 42 --title "Standup (moved)" --start 2024-03-04T09:30:00Z
  outbox event edit --title Lunch --start 2024-03-04T12:30:00Z -- -1709542800000`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid event id", err)
			}
			return runEventSave(cmd.Context(), opts, id, cmd)
		},
	}
	addEventFlags(cmd, opts)
	return cmd
}

func runEventSave(ctx context.Context, opts *EventOptions, id ir.EntityID, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd)

	e, err := opts.event()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid event", err)
	}

	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	var pending ir.PendingUpsert
	if id.IsZero() {
		pending, err = a.svc.AddEvent(ctx, e)
	} else {
		pending, err = a.svc.EditEvent(ctx, id, e)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "failed to queue event", err)
	}

	out := EventOutput{
		ID:    pending.ID.Raw(),
		Title: e.Title,
		Scope: pending.Scope.String(),
		Local: pending.ID.IsLocal(),
	}
	if opts.Format == "json" {
		return formatter.Success(out)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued %q as %d in %s\n", out.Title, out.ID, out.Scope)
	return nil
}

// RemoveOptions holds flags for event rm.
type RemoveOptions struct {
	*RootOptions
	Calendar int64
	Title    string
	Cascade  bool
}

func newEventRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RemoveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Queue the deletion of an event",
		Long: `Queue the deletion of an event. Until the next sync the event stays
visible, marked deleted, and "outbox undelete" brings it back.

Removing an event that never synced (negative id) drops its queued
create right away.

Examples:
  outbox event rm 42 --title Standup
  outbox event rm 57 --cascade
  outbox event rm -- -1709542800000`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEventRemove(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.Calendar, "calendar", 1, "calendar id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title shown if the server refuses the delete")
	cmd.Flags().BoolVar(&opts.Cascade, "cascade", false, "delete every occurrence of a repeating event")

	return cmd
}

func runEventRemove(ctx context.Context, opts *RemoveOptions, rawID string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd)

	id, err := parseID(rawID)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid event id", err)
	}
	if opts.Calendar <= 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid calendar id %d", opts.Calendar))
	}

	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	title := opts.Title
	if title == "" {
		title = "event " + id.String()
	}
	if err := a.svc.DeleteEvent(ctx, id, calendar.CalendarScope(opts.Calendar), title, opts.Cascade); err != nil {
		return WrapExitError(ExitFailure, "failed to queue delete", err)
	}

	if opts.Format == "json" {
		return formatter.Success(map[string]any{"id": id.Raw(), "queued": id.IsRemote()})
	}
	w := cmd.OutOrStdout()
	if id.IsLocal() {
		fmt.Fprintf(w, "Dropped unsynced event %s\n", id)
		return nil
	}
	fmt.Fprintf(w, "Queued deletion of %s\n", title)
	return nil
}

// ShowOptions holds flags for event show.
type ShowOptions struct {
	*RootOptions
	Calendar int64
	Day      string // YYYY-MM-DD
	Month    string // YYYY-MM
}

// ViewEntry is one line of a merged view.
type ViewEntry struct {
	ID      int64  `json:"id"`
	Title   string `json:"title"`
	Start   string `json:"start"`
	Offline bool   `json:"offline,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

func newEventShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a day or month with offline changes applied",
		Long: `Fetch a day or a month from the server and overlay the queued changes.
Events that only exist locally are marked offline; events queued for
deletion are marked deleted.

Examples:
  outbox event show --day 2024-03-04
  outbox event show --month 2024-03 --calendar 3`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEventShow(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.Calendar, "calendar", 1, "calendar id")
	cmd.Flags().StringVar(&opts.Day, "day", "", "day to show (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.Month, "month", "", "month to show (YYYY-MM)")
	cmd.MarkFlagsMutuallyExclusive("day", "month")
	cmd.MarkFlagsOneRequired("day", "month")

	return cmd
}

func runEventShow(ctx context.Context, opts *ShowOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd)

	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.requireServer(); err != nil {
		return err
	}
	loc, err := a.cfg.Location()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}

	scope := calendar.CalendarScope(opts.Calendar)
	var items []ir.Item
	switch {
	case opts.Day != "":
		day, perr := time.ParseInLocation(time.DateOnly, opts.Day, loc)
		if perr != nil {
			return WrapExitError(ExitCommandError, "invalid --day", perr)
		}
		items, err = a.svc.Day(ctx, scope, day)
	default:
		month, perr := time.ParseInLocation("2006-01", opts.Month, loc)
		if perr != nil {
			return WrapExitError(ExitCommandError, "invalid --month", perr)
		}
		items, err = a.svc.Month(ctx, scope, month.Year(), month.Month())
	}
	if err != nil {
		_ = formatter.Error(syncErrorCode(err), "failed to load events", err.Error())
		return WrapExitError(ExitFailure, "failed to load events", err)
	}

	entries, err := viewEntries(items, loc)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to load events", err)
	}
	if opts.Format == "json" {
		return formatter.Success(entries)
	}

	w := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(w, "No events.")
		return nil
	}
	for _, e := range entries {
		mark := ""
		switch {
		case e.Deleted:
			mark = "  [deleted]"
		case e.Offline:
			mark = "  [offline]"
		}
		fmt.Fprintf(w, "%s  %s%s\n", e.Start, e.Title, mark)
	}
	return nil
}

func viewEntries(items []ir.Item, loc *time.Location) ([]ViewEntry, error) {
	entries := make([]ViewEntry, 0, len(items))
	for _, it := range items {
		ev, ok := it.Payload.(calendar.Event)
		if !ok {
			return nil, errors.New("server returned an item without an event payload")
		}
		entries = append(entries, ViewEntry{
			ID:      it.ID.Raw(),
			Title:   ev.Title,
			Start:   ev.Start.In(loc).Format("2006-01-02 15:04"),
			Offline: it.Offline,
			Deleted: it.Deleted,
		})
	}
	return entries, nil
}

// UndeleteOptions holds flags for the undelete command.
type UndeleteOptions struct {
	*RootOptions
}

// NewUndeleteCommand creates the undelete command.
func NewUndeleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &UndeleteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "undelete <id>",
		Short: "Withdraw a queued deletion",
		Long: `Withdraw a deletion that has not synced yet.

Exit codes:
  0 - The deletion was withdrawn
  1 - Nothing to withdraw (the deletion already synced or never existed)
  2 - Command error`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUndelete(cmd.Context(), opts, args[0], cmd)
		},
	}
	return cmd
}

func runUndelete(ctx context.Context, opts *UndeleteOptions, rawID string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd)

	id, err := parseID(rawID)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid event id", err)
	}

	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	restored, err := a.svc.Undelete(ctx, id)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to withdraw deletion", err)
	}
	if !restored {
		msg := fmt.Sprintf("no queued deletion for %s; it may already have synced", id)
		_ = formatter.Error(ErrCodeNotFound, msg, nil)
		return NewExitError(ExitFailure, msg)
	}

	if opts.Format == "json" {
		return formatter.Success(map[string]any{"id": id.Raw(), "restored": true})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deletion of %s withdrawn\n", id)
	return nil
}
