package calendar

import (
	"time"

	"github.com/roach88/outbox/internal/engine"
	"github.com/roach88/outbox/internal/ir"
)

// Window is a half-open time range [From, To). A pending event belongs to
// the window if any of its occurrences overlaps it.
type Window struct {
	From time.Time
	To   time.Time
}

var _ engine.Window = Window{}

// DayWindow covers the civil day of t in loc.
func DayWindow(t time.Time, loc *time.Location) Window {
	y, m, d := t.In(loc).Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return Window{From: from, To: from.AddDate(0, 0, 1)}
}

// MonthWindow covers month m of year y in loc.
func MonthWindow(y int, m time.Month, loc *time.Location) Window {
	from := time.Date(y, m, 1, 0, 0, 0, 0, loc)
	return Window{From: from, To: from.AddDate(0, 1, 0)}
}

// UpcomingWindow covers the next days days starting at now.
func UpcomingWindow(now time.Time, days int) Window {
	return Window{From: now, To: now.AddDate(0, 0, days)}
}

// Contains implements engine.Window.
func (w Window) Contains(p ir.Payload) bool {
	e, ok := p.(Event)
	if !ok {
		return false
	}
	n := e.Repetitions()
	d := e.Duration()
	for k := w.firstCandidate(e, d); k < n; k++ {
		start := e.Occurrence(k)
		if !start.Before(w.To) {
			break
		}
		end := start.Add(d)
		if start.Equal(end) && !start.Before(w.From) {
			return true
		}
		if end.After(w.From) {
			return true
		}
	}
	return false
}

// firstCandidate returns the lowest occurrence index that can overlap w.
// Occurrences before it end at least a day before w.From; one index of
// slack absorbs DST shifts.
func (w Window) firstCandidate(e Event, d time.Duration) int {
	if e.Repetitions() <= 1 || !w.From.After(e.Start) {
		return 0
	}
	stride := time.Duration(e.Repeat.EveryDays) * 24 * time.Hour
	k := int((w.From.Sub(e.Start)-d)/stride) - 1
	return max(k, 0)
}
