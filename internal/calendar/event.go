package calendar

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/outbox/internal/ir"
)

// Kind is the entity kind of calendar events.
const Kind ir.Kind = "calendar.event"

// MaxOccurrences bounds Repeat.Count. A series longer than this must be
// split into several events.
const MaxOccurrences = 1000

// Repeat describes a fixed-stride recurrence.
type Repeat struct {
	EveryDays int `json:"every_days"`
	Count     int `json:"count"` // total occurrences including the first
}

// Event is the editable state of a calendar event.
type Event struct {
	Title           string    `json:"title"`
	Start           time.Time `json:"start"`
	DurationMinutes int       `json:"duration_minutes"`
	AllDay          bool      `json:"all_day,omitempty"`
	Repeat          Repeat    `json:"repeat,omitzero"`
	CalendarID      int64     `json:"calendar_id,omitempty"`
	OwnerID         int64     `json:"owner_id"`
	GroupID         int64     `json:"group_id,omitempty"`
}

// Kind implements ir.Payload.
func (e Event) Kind() ir.Kind { return Kind }

// DisplayName implements ir.Payload.
func (e Event) DisplayName() string { return e.Title }

// ExternalKey identifies the logical event before its id is known: the
// same title at the same start is the same event.
func (e Event) ExternalKey() string {
	return e.Title + "@" + e.Start.UTC().Format(time.RFC3339)
}

// Validate implements ir.Payload.
func (e Event) Validate() error {
	switch {
	case e.Title == "":
		return errors.New("event: title is required")
	case e.Start.IsZero():
		return errors.New("event: start is required")
	case e.DurationMinutes < 0:
		return fmt.Errorf("event: negative duration %d", e.DurationMinutes)
	case e.OwnerID <= 0:
		return errors.New("event: owner is required")
	case e.Repeat.Count < 0 || e.Repeat.EveryDays < 0:
		return errors.New("event: negative recurrence")
	case e.Repeat.Count > 1 && e.Repeat.EveryDays == 0:
		return errors.New("event: repeating event needs a stride")
	case e.Repeat.Count > MaxOccurrences:
		return fmt.Errorf("event: %d occurrences exceeds the limit of %d", e.Repeat.Count, MaxOccurrences)
	}
	return nil
}

// Repetitions returns the number of occurrences, at least 1 and at most
// MaxOccurrences. Events from the server are not validated, hence the clamp.
func (e Event) Repetitions() int {
	if e.Repeat.EveryDays > 0 && e.Repeat.Count > 1 {
		return min(e.Repeat.Count, MaxOccurrences)
	}
	return 1
}

// Duration returns the event length. All-day events last one day.
func (e Event) Duration() time.Duration {
	if e.AllDay {
		return 24 * time.Hour
	}
	return time.Duration(e.DurationMinutes) * time.Minute
}

// Occurrences returns the start of every occurrence in order.
func (e Event) Occurrences() []time.Time {
	n := e.Repetitions()
	out := make([]time.Time, n)
	for k := range n {
		out[k] = e.Occurrence(k)
	}
	return out
}

// Occurrence returns the start of the k-th occurrence (0 is Start). The
// wall-clock time is kept across DST changes.
func (e Event) Occurrence(k int) time.Time {
	if k == 0 {
		return e.Start
	}
	return e.Start.AddDate(0, 0, k*e.Repeat.EveryDays)
}

// ScopeFor derives the sync scope of an event.
func ScopeFor(e Event) ir.Scope {
	if e.CalendarID > 0 {
		return CalendarScope(e.CalendarID)
	}
	return ir.Scope{Kind: Kind, Key: fmt.Sprintf("owner:%d/group:%d", e.OwnerID, e.GroupID)}
}

// CalendarScope is the scope of every event in calendar id.
func CalendarScope(id int64) ir.Scope {
	return ir.Scope{Kind: Kind, Key: fmt.Sprintf("calendar:%d", id)}
}
