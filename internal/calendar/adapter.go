package calendar

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/outbox/internal/engine"
	"github.com/roach88/outbox/internal/ir"
)

// UpcomingKey is the overview list, invalidated after every change.
const UpcomingKey = "upcoming"

// Adapter plugs calendar events into the engine. Day buckets are computed
// in loc.
type Adapter struct {
	loc *time.Location
}

var _ engine.Adapter = Adapter{}

// NewAdapter creates an Adapter for loc (nil means UTC).
func NewAdapter(loc *time.Location) Adapter {
	if loc == nil {
		loc = time.UTC
	}
	return Adapter{loc: loc}
}

// Kind implements engine.Decoder.
func (a Adapter) Kind() ir.Kind { return Kind }

// Decode parses a stored or received event and validates it.
func (a Adapter) Decode(data []byte) (ir.Payload, error) {
	var e Event
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Compare orders events by start, then by duration.
func (a Adapter) Compare(x, y ir.Item) int {
	ex, _ := x.Payload.(Event)
	ey, _ := y.Payload.(Event)
	if c := ex.Start.Compare(ey.Start); c != 0 {
		return c
	}
	return cmp.Compare(ex.Duration(), ey.Duration())
}

// Place positions an event on the day axis; the stride is the recurrence
// interval in days.
func (a Adapter) Place(item ir.Item) (engine.Placement, bool) {
	e, ok := item.Payload.(Event)
	if !ok || e.Start.IsZero() {
		return engine.Placement{}, false
	}
	return engine.Placement{
		Origin:      a.DayIndex(e.Start),
		Stride:      int64(e.Repeat.EveryDays),
		Repetitions: e.Repetitions(),
	}, true
}

// Buckets returns the day and month keys that display day pos.
func (a Adapter) Buckets(pos int64) []string {
	d := a.Day(pos)
	return []string{DayKey(d), MonthKey(d)}
}

// Overview implements engine.Projection.
func (a Adapter) Overview() []string {
	return []string{UpcomingKey}
}

// DayIndex returns the number of civil days between 1970-01-01 and t in
// the adapter's location.
func (a Adapter) DayIndex(t time.Time) int64 {
	y, m, d := t.In(a.loc).Date()
	civil := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return civil.Unix() / 86400
}

// Day converts a day index back to midnight in the adapter's location.
func (a Adapter) Day(index int64) time.Time {
	u := time.Unix(index*86400, 0).UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, a.loc)
}

// DayKey is the cache key of the day containing t.
func DayKey(t time.Time) string {
	return "day:" + t.Format("2006-01-02")
}

// MonthKey is the cache key of the month containing t.
func MonthKey(t time.Time) string {
	return "month:" + t.Format("2006-01")
}
