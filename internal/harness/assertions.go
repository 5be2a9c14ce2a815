package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/roach88/outbox/internal/calendar"
	"github.com/roach88/outbox/internal/ir"
	"github.com/roach88/outbox/internal/testutil"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Calls    []TraceEvent // Remote calls for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Calls) > 0 {
		fmt.Fprintf(&buf, "\nRemote calls:\n")
		for i, call := range e.Calls {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, callLabel(call))
		}
	}
	return buf.String()
}

// callLabel renders a call as "op:title", the form call_order uses.
func callLabel(call TraceEvent) string {
	return call.Op + ":" + call.Title
}

func callMatches(call TraceEvent, a Assertion) bool {
	if call.Op != a.Op {
		return false
	}
	if a.Title != "" && call.Title != a.Title {
		return false
	}
	return a.Token == "" || call.Token == a.Token
}

// assertCallContains checks that a remote call with the assertion's op,
// title, and token was made.
func assertCallContains(calls []TraceEvent, a Assertion) error {
	for _, call := range calls {
		if callMatches(call, a) {
			return nil
		}
	}
	expected := a.Op
	if a.Title != "" {
		expected += " of " + a.Title
	}
	if a.Token != "" {
		expected += " with token " + a.Token
	}
	return &AssertionError{
		Type:     AssertCallContains,
		Expected: expected,
		Actual:   "not found in remote calls",
		Calls:    calls,
	}
}

// assertCallOrder checks that calls appear in the specified order.
// Calls don't need to be consecutive (intervening calls are allowed).
func assertCallOrder(calls []TraceEvent, a Assertion) error {
	next := 0
	for _, call := range calls {
		if next < len(a.Calls) && callLabel(call) == a.Calls[next] {
			next++
		}
	}
	if next == len(a.Calls) {
		return nil
	}
	return &AssertionError{
		Type:     AssertCallOrder,
		Expected: fmt.Sprintf("calls in order: %v", a.Calls),
		Actual:   fmt.Sprintf("missing %s after the first %d", a.Calls[next], next),
		Calls:    calls,
	}
}

// assertCallCount checks that matching calls were made exactly Count times.
func assertCallCount(calls []TraceEvent, a Assertion) error {
	count := 0
	for _, call := range calls {
		if callMatches(call, a) {
			count++
		}
	}
	if count == a.Count {
		return nil
	}
	what := a.Op
	if a.Title != "" {
		what += " of " + a.Title
	}
	return &AssertionError{
		Type:     AssertCallCount,
		Expected: fmt.Sprintf("%d occurrences of %s", a.Count, what),
		Actual:   fmt.Sprintf("%d occurrences", count),
		Calls:    calls,
	}
}

// assertPending checks the pending counts of a calendar. Calendar 0 counts
// every calendar.
func assertPending(actx *AssertionContext, a Assertion) error {
	var scope ir.Scope
	if a.Calendar != 0 {
		scope = calendar.CalendarScope(a.Calendar)
	}
	counts, err := actx.Service.Engine().Counts(actx.Ctx, scope)
	if err != nil {
		return fmt.Errorf("pending: %w", err)
	}
	if (a.Upserts != nil && *a.Upserts != counts.Upserts) || (a.Deletes != nil && *a.Deletes != counts.Deletes) {
		return &AssertionError{
			Type:     AssertPending,
			Expected: formatCounts(a.Upserts, a.Deletes),
			Actual:   fmt.Sprintf("upserts=%d deletes=%d", counts.Upserts, counts.Deletes),
		}
	}
	return nil
}

func formatCounts(upserts, deletes *int) string {
	var parts []string
	if upserts != nil {
		parts = append(parts, fmt.Sprintf("upserts=%d", *upserts))
	}
	if deletes != nil {
		parts = append(parts, fmt.Sprintf("deletes=%d", *deletes))
	}
	return strings.Join(parts, " ")
}

// assertView checks the titles of a merged day or month view, and which of
// them are offline or tombstoned.
func assertView(actx *AssertionContext, a Assertion) error {
	scope := calendarScope(a.Calendar)

	var items []ir.Item
	var err error
	switch {
	case a.Day != "":
		day, perr := time.ParseInLocation(time.DateOnly, a.Day, actx.Location)
		if perr != nil {
			return fmt.Errorf("view: day: %w", perr)
		}
		items, err = actx.Service.Day(actx.Ctx, scope, day)
	default:
		month, perr := time.ParseInLocation("2006-01", a.Month, actx.Location)
		if perr != nil {
			return fmt.Errorf("view: month: %w", perr)
		}
		items, err = actx.Service.Month(actx.Ctx, scope, month.Year(), month.Month())
	}
	if err != nil {
		return &AssertionError{
			Type:     AssertView,
			Expected: "view to load",
			Actual:   err.Error(),
		}
	}

	var titles, offline, deleted []string
	for _, it := range items {
		name := it.Payload.DisplayName()
		titles = append(titles, name)
		if it.Offline {
			offline = append(offline, name)
		}
		if it.Deleted {
			deleted = append(deleted, name)
		}
	}

	if !sameStrings(a.Titles, titles) {
		return &AssertionError{
			Type:     AssertView,
			Expected: fmt.Sprintf("titles %v", a.Titles),
			Actual:   fmt.Sprintf("titles %v", titles),
		}
	}
	if a.Offline != nil && !sameStrings(a.Offline, offline) {
		return &AssertionError{
			Type:     AssertView,
			Expected: fmt.Sprintf("offline %v", a.Offline),
			Actual:   fmt.Sprintf("offline %v", offline),
		}
	}
	if a.Deleted != nil && !sameStrings(a.Deleted, deleted) {
		return &AssertionError{
			Type:     AssertView,
			Expected: fmt.Sprintf("deleted %v", a.Deleted),
			Actual:   fmt.Sprintf("deleted %v", deleted),
		}
	}
	return nil
}

// assertRemote checks the titles the server holds for a calendar, in
// creation order.
func assertRemote(actx *AssertionContext, a Assertion) error {
	items, err := actx.Remote.List(actx.Ctx, calendarScope(a.Calendar))
	if err != nil {
		return &AssertionError{
			Type:     AssertRemote,
			Expected: "server to answer",
			Actual:   err.Error(),
		}
	}
	var titles []string
	for _, it := range items {
		titles = append(titles, it.Payload.DisplayName())
	}
	if !sameStrings(a.Titles, titles) {
		return &AssertionError{
			Type:     AssertRemote,
			Expected: fmt.Sprintf("titles %v", a.Titles),
			Actual:   fmt.Sprintf("titles %v", titles),
		}
	}
	return nil
}

// sameStrings compares slices treating nil and empty alike.
func sameStrings(want, got []string) bool {
	return slices.Equal(want, got)
}

// AssertionContext provides the live objects assertions inspect.
type AssertionContext struct {
	Ctx      context.Context
	Service  *calendar.Service
	Remote   *testutil.FakeAuthority
	Location *time.Location
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides the service for state assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string
	calls := result.Calls()

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertCallContains:
			err = assertCallContains(calls, assertion)
		case AssertCallOrder:
			err = assertCallOrder(calls, assertion)
		case AssertCallCount:
			err = assertCallCount(calls, assertion)
		case AssertPending, AssertView, AssertRemote:
			if actx == nil || actx.Service == nil || actx.Remote == nil {
				err = fmt.Errorf("assertion[%d]: %s requires a service context", i, assertion.Type)
				break
			}
			if actx.Location == nil {
				actx.Location = time.UTC
			}
			switch assertion.Type {
			case AssertPending:
				err = assertPending(actx, assertion)
			case AssertView:
				err = assertView(actx, assertion)
			default:
				err = assertRemote(actx, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}
