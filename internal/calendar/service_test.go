package calendar

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/outbox/internal/engine"
	"github.com/roach88/outbox/internal/ir"
	"github.com/roach88/outbox/internal/store"
	"github.com/roach88/outbox/internal/testutil"
)

type serviceFixture struct {
	svc    *Service
	remote *testutil.FakeAuthority
	cache  *testutil.MemoryCache
}

func newService(t *testing.T) *serviceFixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "calendar.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	remote := testutil.NewFakeAuthority(501)
	cache := testutil.NewMemoryCache()
	svc := NewService(st, remote, remote, time.UTC,
		engine.WithClock(testutil.NewManualClock(monday.Add(-24*time.Hour))),
		engine.WithInvalidator(cache),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return &serviceFixture{svc: svc, remote: remote, cache: cache}
}

func TestService_OfflineCreateShowsInDayView(t *testing.T) {
	f := newService(t)
	ctx := context.Background()
	scope := CalendarScope(12)
	f.remote.SetOnline(false)

	up, err := f.svc.AddEvent(ctx, standup())
	require.NoError(t, err)
	assert.Equal(t, scope, up.Scope)

	f.remote.SetOnline(true)
	day, err := f.svc.Day(ctx, scope, monday.AddDate(0, 0, 7))
	require.NoError(t, err)
	require.Len(t, day, 1)
	assert.True(t, day[0].Offline)
	assert.True(t, day[0].ID.IsLocal())

	other, err := f.svc.Day(ctx, scope, monday.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Empty(t, other)

	has, err := f.svc.HasOfflineChanges(ctx, ir.Scope{})
	require.NoError(t, err)
	assert.True(t, has)
}

func TestService_SyncThenViewHasNoDuplicate(t *testing.T) {
	f := newService(t)
	ctx := context.Background()
	scope := CalendarScope(12)

	_, err := f.svc.AddEvent(ctx, standup())
	require.NoError(t, err)

	result, err := f.svc.Sync(ctx, scope, true)
	require.NoError(t, err)
	require.Len(t, result.Upserted, 1)

	month, err := f.svc.Month(ctx, scope, 2024, time.March)
	require.NoError(t, err)
	require.Len(t, month, 1)
	assert.Equal(t, ir.RemoteID(501), month[0].ID)
	assert.False(t, month[0].Offline)
}

func TestService_DeleteAndUndelete(t *testing.T) {
	f := newService(t)
	ctx := context.Background()
	scope := CalendarScope(12)
	f.remote.Seed(scope, ir.Item{ID: ir.RemoteID(42), Payload: Event{Title: "Meeting", Start: monday, DurationMinutes: 30, CalendarID: 12, OwnerID: 5}})

	require.NoError(t, f.svc.DeleteEvent(ctx, ir.RemoteID(42), scope, "Meeting", false))

	day, err := f.svc.Day(ctx, scope, monday)
	require.NoError(t, err)
	require.Len(t, day, 1)
	assert.True(t, day[0].Deleted)

	undone, err := f.svc.Undelete(ctx, ir.RemoteID(42))
	require.NoError(t, err)
	assert.True(t, undone)

	require.NoError(t, f.svc.DeleteEvent(ctx, ir.RemoteID(42), scope, "Meeting", false))
	result, err := f.svc.Sync(ctx, scope, true)
	require.NoError(t, err)
	assert.Equal(t, []ir.EntityID{ir.RemoteID(42)}, result.Deleted)

	undone, err = f.svc.Undelete(ctx, ir.RemoteID(42))
	require.NoError(t, err)
	assert.False(t, undone, "already synced away")
}

func TestService_EditRecurringEventPlan(t *testing.T) {
	f := newService(t)
	ctx := context.Background()
	scope := CalendarScope(12)
	f.remote.Seed(scope, ir.Item{ID: ir.RemoteID(42), Payload: standup()})

	edited := standup()
	edited.Title = "daily standup"
	_, err := f.svc.EditEvent(ctx, ir.RemoteID(42), edited)
	require.NoError(t, err)

	result, err := f.svc.Sync(ctx, scope, true)
	require.NoError(t, err)

	data, err := ir.MarshalCanonical(result.Plan)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "weekly_edit_plan", data)

	assert.Equal(t, []ir.Plan{result.Plan}, f.cache.Plans())
}

func TestService_EditEventRequiresID(t *testing.T) {
	f := newService(t)
	_, err := f.svc.EditEvent(context.Background(), ir.EntityID{}, standup())
	assert.Error(t, err)
}

func meeting() Event {
	return Event{Title: "Meeting", Start: monday, DurationMinutes: 30, CalendarID: 12, OwnerID: 5}
}

func TestService_DeletePlansTheDeletedDay(t *testing.T) {
	f := newService(t)
	ctx := context.Background()
	scope := CalendarScope(12)
	item := ir.Item{ID: ir.RemoteID(42), Payload: meeting()}
	f.remote.Seed(scope, item)

	require.NoError(t, f.svc.DeleteEventItem(ctx, item, false))

	result, err := f.svc.Sync(ctx, scope, true)
	require.NoError(t, err)
	assert.Equal(t, []ir.EntityID{ir.RemoteID(42)}, result.Deleted)
	assert.Equal(t, []string{"day:2024-03-04", "month:2024-03"}, result.Plan.Refetch)
	assert.Equal(t, []string{"upcoming"}, result.Plan.Invalidate)
}

func TestService_DeleteByIDLearnsPositionFromView(t *testing.T) {
	f := newService(t)
	ctx := context.Background()
	scope := CalendarScope(12)
	f.remote.Seed(scope, ir.Item{ID: ir.RemoteID(42), Payload: meeting()})

	require.NoError(t, f.svc.DeleteEvent(ctx, ir.RemoteID(42), scope, "Meeting", false))
	_, err := f.svc.Day(ctx, scope, monday)
	require.NoError(t, err)

	result, err := f.svc.Sync(ctx, scope, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"day:2024-03-04", "month:2024-03"}, result.Plan.Refetch)
}

func TestService_CascadeDeleteInvalidatesSeries(t *testing.T) {
	f := newService(t)
	ctx := context.Background()
	scope := CalendarScope(12)
	item := ir.Item{ID: ir.RemoteID(42), Payload: standup()}
	f.remote.Seed(scope, item)

	require.NoError(t, f.svc.DeleteEventItem(ctx, item, true))

	result, err := f.svc.Sync(ctx, scope, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"day:2024-03-04", "month:2024-03"}, result.Plan.Refetch)
	assert.Contains(t, result.Plan.Invalidate, "day:2024-03-11")
	assert.Contains(t, result.Plan.Invalidate, "day:2024-03-18")
}

func TestService_RejectedDeleteStillRefreshesDay(t *testing.T) {
	f := newService(t)
	ctx := context.Background()
	scope := CalendarScope(12)
	item := ir.Item{ID: ir.RemoteID(42), Payload: meeting()}
	f.remote.Seed(scope, item)
	f.remote.Reject(func(sub ir.Submission) string {
		if sub.Op == ir.OpDelete {
			return "event is locked"
		}
		return ""
	})

	require.NoError(t, f.svc.DeleteEventItem(ctx, item, false))

	result, err := f.svc.Sync(ctx, scope, true)
	require.NoError(t, err)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, []string{"day:2024-03-04", "month:2024-03"}, result.Plan.Refetch)
}

func TestService_MovedEventInvalidatesOldDay(t *testing.T) {
	f := newService(t)
	ctx := context.Background()
	scope := CalendarScope(12)
	item := ir.Item{ID: ir.RemoteID(42), Payload: meeting()}
	f.remote.Seed(scope, item)

	moved := meeting()
	moved.Start = time.Date(2024, 5, 4, 9, 0, 0, 0, time.UTC)
	_, err := f.svc.EditEventFrom(ctx, item, moved)
	require.NoError(t, err)

	result, err := f.svc.Sync(ctx, scope, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"day:2024-05-04", "month:2024-05"}, result.Plan.Refetch)
	assert.Equal(t, []string{"day:2024-03-04", "month:2024-03", "upcoming"}, result.Plan.Invalidate)
}

func TestService_MovedEventLearnsOldDayFromView(t *testing.T) {
	f := newService(t)
	ctx := context.Background()
	scope := CalendarScope(12)
	f.remote.Seed(scope, ir.Item{ID: ir.RemoteID(42), Payload: meeting()})

	moved := meeting()
	moved.Start = time.Date(2024, 5, 4, 9, 0, 0, 0, time.UTC)
	_, err := f.svc.EditEvent(ctx, ir.RemoteID(42), moved)
	require.NoError(t, err)

	// The March view still lists the server's copy of 42.
	_, err = f.svc.Month(ctx, scope, 2024, time.March)
	require.NoError(t, err)

	result, err := f.svc.Sync(ctx, scope, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"day:2024-05-04", "month:2024-05"}, result.Plan.Refetch)
	assert.Equal(t, []string{"day:2024-03-04", "month:2024-03", "upcoming"}, result.Plan.Invalidate)
}
