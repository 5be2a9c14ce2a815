package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDayWindow(t *testing.T) {
	w := DayWindow(monday, time.UTC)

	assert.True(t, w.Contains(Event{Title: "a", Start: monday}))
	assert.False(t, w.Contains(Event{Title: "b", Start: monday.AddDate(0, 0, 1)}))

	// Starts the evening before and runs past midnight.
	overnight := Event{Title: "c", Start: time.Date(2024, 3, 3, 22, 0, 0, 0, time.UTC), DurationMinutes: 180}
	assert.True(t, w.Contains(overnight))

	// Ends exactly at midnight.
	evening := Event{Title: "d", Start: time.Date(2024, 3, 3, 22, 0, 0, 0, time.UTC), DurationMinutes: 120}
	assert.False(t, w.Contains(evening))
}

func TestWindow_RecurrenceAware(t *testing.T) {
	e := standup() // 4th, 11th and 18th of March

	assert.True(t, DayWindow(monday.AddDate(0, 0, 14), time.UTC).Contains(e))
	assert.False(t, DayWindow(monday.AddDate(0, 0, 21), time.UTC).Contains(e))
	assert.False(t, DayWindow(monday.AddDate(0, 0, 1), time.UTC).Contains(e))
	assert.True(t, MonthWindow(2024, time.March, time.UTC).Contains(e))
	assert.False(t, MonthWindow(2024, time.February, time.UTC).Contains(e))
}

func TestWindow_LongSeriesFarFromStart(t *testing.T) {
	daily := Event{Title: "daily", Start: monday, DurationMinutes: 30, Repeat: Repeat{EveryDays: 1, Count: MaxOccurrences}, OwnerID: 5}
	last := monday.AddDate(0, 0, MaxOccurrences-1)

	assert.True(t, DayWindow(last, time.UTC).Contains(daily))
	assert.False(t, DayWindow(last.AddDate(0, 0, 1), time.UTC).Contains(daily))
	assert.True(t, DayWindow(monday, time.UTC).Contains(daily))
	assert.False(t, DayWindow(monday.AddDate(0, 0, -1), time.UTC).Contains(daily))

	// The window starts mid-occurrence.
	mid := Window{From: monday.AddDate(0, 0, 500).Add(10 * time.Minute), To: monday.AddDate(0, 0, 500).Add(20 * time.Minute)}
	assert.True(t, mid.Contains(daily))
}

func TestWindow_SeriesAcrossDST(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 09:00 local every week, across the March 10 2024 change.
	e := Event{Title: "weekly", Start: time.Date(2024, 3, 4, 9, 0, 0, 0, ny), DurationMinutes: 30, Repeat: Repeat{EveryDays: 7, Count: 10}, OwnerID: 5}

	assert.True(t, DayWindow(time.Date(2024, 3, 11, 12, 0, 0, 0, ny), ny).Contains(e))
	assert.True(t, DayWindow(time.Date(2024, 5, 6, 12, 0, 0, 0, ny), ny).Contains(e))
	assert.False(t, DayWindow(time.Date(2024, 5, 7, 12, 0, 0, 0, ny), ny).Contains(e))
}

func TestUpcomingWindow(t *testing.T) {
	w := UpcomingWindow(monday, 7)

	assert.True(t, w.Contains(Event{Title: "a", Start: monday.AddDate(0, 0, 6)}))
	assert.False(t, w.Contains(Event{Title: "b", Start: monday.AddDate(0, 0, 7)}))
	assert.False(t, w.Contains(nil))
}
