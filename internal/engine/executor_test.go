package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/outbox/internal/engine"
	"github.com/roach88/outbox/internal/ir"
	"github.com/roach88/outbox/internal/testutil"
)

type fixture struct {
	engine *engine.Engine
	remote *testutil.FakeAuthority
	cache  *testutil.MemoryCache
	clock  *testutil.ManualClock
}

func newFixture(t *testing.T, opts ...engine.Option) *fixture {
	t.Helper()
	f := &fixture{
		remote: testutil.NewFakeAuthority(501),
		cache:  testutil.NewMemoryCache(),
		clock:  testutil.NewManualClock(start),
	}
	opts = append([]engine.Option{
		engine.WithClock(f.clock),
		engine.WithInvalidator(f.cache),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		engine.WithTokenGenerator(engine.NewFixedGenerator("tok-1", "tok-2", "tok-3", "tok-4", "tok-5")),
	}, opts...)
	f.engine = engine.New(engine.NewTestStore(t), f.remote, engine.NoteAdapter{}, opts...)
	return f
}

func (f *fixture) save(t *testing.T, id ir.EntityID, n engine.Note) ir.PendingUpsert {
	t.Helper()
	up, err := f.engine.Mutations().SaveUpsert(context.Background(), id, scopeA, n)
	require.NoError(t, err)
	return up
}

func (f *fixture) snapshot(t *testing.T) ([]ir.PendingUpsert, []ir.PendingDelete) {
	t.Helper()
	ctx := context.Background()
	ups, err := f.engine.Mutations().ListUpserts(ctx, scopeA)
	require.NoError(t, err)
	dels, err := f.engine.Mutations().ListDeleted(ctx, scopeA)
	require.NoError(t, err)
	return ups, dels
}

func TestSync_OfflineCreateThenOnline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	up := f.save(t, ir.EntityID{}, engine.Note{Title: "A"})
	require.True(t, up.ID.IsLocal())

	result, err := f.engine.RequestSync(ctx, scopeA, true)
	require.NoError(t, err)

	require.Len(t, result.Upserted, 1)
	assert.Equal(t, ir.RemoteID(501), result.Upserted[0].ID)
	assert.True(t, result.AnythingChanged)

	ups, _ := f.snapshot(t)
	assert.Empty(t, ups)

	view, err := f.engine.MergedView(ctx, scopeA, nil, f.remote.Fetcher(scopeA))
	require.NoError(t, err)
	assert.Equal(t, []ir.Item{{ID: ir.RemoteID(501), Payload: engine.Note{Title: "A"}}}, view)

	calls := f.remote.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "tok-1", calls[0].IdempotencyKey)
}

func TestSync_OfflineDeleteOfRemoteItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.Seed(scopeA, ir.Item{ID: ir.RemoteID(42), Payload: engine.Note{Title: "Meeting", Day: 1}})
	cached, err := f.remote.List(ctx, scopeA)
	require.NoError(t, err)
	fromCache := func(context.Context) ([]ir.Item, error) { return cached, nil }

	require.NoError(t, f.engine.Mutations().MarkDeleted(ctx, ir.RemoteID(42), scopeA, "Meeting", false))

	view, err := f.engine.MergedView(ctx, scopeA, nil, fromCache)
	require.NoError(t, err)
	require.Len(t, view, 1)
	assert.True(t, view[0].Deleted)

	f.remote.SetOnline(false)
	_, err = f.engine.RequestSync(ctx, scopeA, true)
	require.Error(t, err)
	assert.True(t, engine.IsUnreachable(err))

	_, dels := f.snapshot(t)
	assert.Len(t, dels, 1)
	has, err := f.engine.HasOfflineChanges(ctx, ir.Scope{})
	require.NoError(t, err)
	assert.True(t, has)

	f.remote.SetOnline(true)
	result, err := f.engine.RequestSync(ctx, scopeA, true)
	require.NoError(t, err)
	assert.Equal(t, []ir.EntityID{ir.RemoteID(42)}, result.Deleted)

	_, dels = f.snapshot(t)
	assert.Empty(t, dels)
	_, exists := f.remote.Get(ir.RemoteID(42))
	assert.False(t, exists)
}

func TestSync_NoLostMutationUnderTransientFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.SetOnline(false)

	f.save(t, ir.EntityID{}, engine.Note{Title: "A"})
	f.save(t, ir.RemoteID(7), engine.Note{Title: "B"})
	require.NoError(t, f.engine.Mutations().MarkDeleted(ctx, ir.RemoteID(9), scopeA, "C", false))
	beforeUps, beforeDels := f.snapshot(t)

	for i := 0; i < 5; i++ {
		result, err := f.engine.RequestSync(ctx, scopeA, true)
		require.Error(t, err)
		assert.True(t, engine.IsUnreachable(err))
		assert.False(t, result.AnythingChanged)
		assert.Empty(t, result.Warnings)
	}

	afterUps, afterDels := f.snapshot(t)
	assert.Equal(t, beforeUps, afterUps)
	assert.Equal(t, beforeDels, afterDels)
	assert.Equal(t, 15, len(f.remote.Calls()), "every item is attempted every pass")
	assert.Empty(t, f.cache.Plans())
}

func TestSync_PermanentRejectionDrainsStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.Reject(func(sub ir.Submission) string {
		if sub.DisplayName == "bad" {
			return "title is reserved"
		}
		return ""
	})

	f.save(t, ir.EntityID{}, engine.Note{Title: "bad"})
	f.save(t, ir.EntityID{}, engine.Note{Title: "good"})

	result, err := f.engine.RequestSync(ctx, scopeA, true)
	require.NoError(t, err)

	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "bad", result.Warnings[0].DisplayName)
	assert.Equal(t, "title is reserved", result.Warnings[0].Reason)
	assert.Equal(t, "your offline change for bad was discarded: title is reserved", result.Warnings[0].Message())
	assert.Len(t, result.Upserted, 1)

	ups, _ := f.snapshot(t)
	assert.Empty(t, ups)
}

func TestSync_DeleteBeforeEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.Seed(scopeA, ir.Item{ID: ir.RemoteID(42), Payload: engine.Note{Title: "Meeting"}})

	f.save(t, ir.RemoteID(42), engine.Note{Title: "Meeting", Day: 3})
	require.NoError(t, f.engine.Mutations().MarkDeleted(ctx, ir.RemoteID(42), scopeA, "Meeting", false))

	result, err := f.engine.RequestSync(ctx, scopeA, true)
	require.NoError(t, err)

	assert.Equal(t, []ir.EntityID{ir.RemoteID(42)}, result.Deleted)
	assert.Empty(t, result.Upserted)
	assert.Equal(t, 0, f.remote.CallCount(ir.OpUpdate), "edit of a deleted entity is never submitted")
	assert.Equal(t, 1, f.remote.CallCount(ir.OpDelete))

	ups, dels := f.snapshot(t)
	assert.Empty(t, ups)
	assert.Empty(t, dels)
}

func TestSync_EditWaitsForPendingDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.Seed(scopeA, ir.Item{ID: ir.RemoteID(42), Payload: engine.Note{Title: "Meeting"}})
	f.remote.SetOnline(false)

	f.save(t, ir.RemoteID(42), engine.Note{Title: "Meeting", Day: 3})
	require.NoError(t, f.engine.Mutations().MarkDeleted(ctx, ir.RemoteID(42), scopeA, "Meeting", false))

	_, err := f.engine.RequestSync(ctx, scopeA, true)
	require.Error(t, err)
	assert.Equal(t, 0, f.remote.CallCount(ir.OpUpdate))

	ups, dels := f.snapshot(t)
	assert.Len(t, ups, 1)
	assert.Len(t, dels, 1)
}

func TestSync_NoConcurrentPasses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.save(t, ir.EntityID{}, engine.Note{Title: "A"})

	entered, release := f.remote.Hold()

	var wg sync.WaitGroup
	results := make([]ir.SyncResult, 2)
	errs := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = f.engine.RequestSync(ctx, scopeA, false)
	}()
	<-entered
	assert.Equal(t, engine.StateDraining, f.engine.State(scopeA))

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = f.engine.RequestSync(ctx, scopeA, true)
	}()
	time.Sleep(20 * time.Millisecond)
	release()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0], results[1])
	assert.Len(t, f.remote.Calls(), 1, "one underlying set of remote calls")
	assert.Equal(t, engine.StateIdle, f.engine.State(scopeA))
}

func TestSync_BlockedScopeFailsFast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.save(t, ir.EntityID{}, engine.Note{Title: "A"})

	release := f.engine.BeginEdit(scopeA)
	_, err := f.engine.RequestSync(ctx, scopeA, true)
	require.Error(t, err)
	assert.True(t, engine.IsSyncBlocked(err))
	assert.Empty(t, f.remote.Calls())

	release()
	_, err = f.engine.RequestSync(ctx, scopeA, true)
	require.NoError(t, err)
}

func TestSync_Throttle(t *testing.T) {
	f := newFixture(t, engine.WithMinInterval(time.Minute))
	ctx := context.Background()

	result, err := f.engine.RequestSync(ctx, scopeA, false)
	require.NoError(t, err)
	assert.False(t, result.Throttled)

	f.save(t, ir.EntityID{}, engine.Note{Title: "A"})
	result, err = f.engine.RequestSync(ctx, scopeA, false)
	require.NoError(t, err)
	assert.True(t, result.Throttled)
	assert.Empty(t, f.remote.Calls())

	result, err = f.engine.RequestSync(ctx, scopeA, true)
	require.NoError(t, err)
	assert.False(t, result.Throttled)
	assert.Len(t, result.Upserted, 1)
}

func TestSync_FailedPassDoesNotThrottle(t *testing.T) {
	f := newFixture(t, engine.WithMinInterval(time.Minute))
	ctx := context.Background()
	f.save(t, ir.EntityID{}, engine.Note{Title: "A"})
	f.remote.SetOnline(false)

	_, err := f.engine.RequestSync(ctx, scopeA, false)
	require.Error(t, err)

	f.remote.SetOnline(true)
	result, err := f.engine.RequestSync(ctx, scopeA, false)
	require.NoError(t, err)
	assert.False(t, result.Throttled)
	assert.Len(t, result.Upserted, 1)
}

func TestSync_RecurringEditInvalidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.Seed(scopeA, ir.Item{ID: ir.RemoteID(42), Payload: engine.Note{Title: "standup", Every: 7, Count: 3}})

	f.save(t, ir.RemoteID(42), engine.Note{Title: "standup", Day: 0, Every: 7, Count: 3})

	result, err := f.engine.RequestSync(ctx, scopeA, true)
	require.NoError(t, err)

	assert.Equal(t, []string{"day:0"}, result.Plan.Refetch)
	assert.Equal(t, []string{"day:7", "day:-7", "day:14", "day:-14", "upcoming"}, result.Plan.Invalidate)
	assert.Equal(t, []ir.Plan{result.Plan}, f.cache.Plans())
}

func TestSync_NothingChangedSkipsPlanner(t *testing.T) {
	f := newFixture(t)

	result, err := f.engine.RequestSync(context.Background(), scopeA, true)
	require.NoError(t, err)

	assert.False(t, result.AnythingChanged)
	assert.True(t, result.Plan.Empty())
	assert.Empty(t, f.cache.Plans())
}

func TestSync_DuplicateCreateCollapsedByToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	up := f.save(t, ir.EntityID{}, engine.Note{Title: "A"})

	// Simulate a crash after the remote applied the create but before the
	// pending record was removed.
	_, err := f.remote.Submit(ctx, ir.Submission{Op: ir.OpCreate, Scope: scopeA, Payload: up.Payload, IdempotencyKey: up.IdempotencyKey})
	require.NoError(t, err)

	result, err := f.engine.RequestSync(ctx, scopeA, true)
	require.NoError(t, err)
	require.Len(t, result.Upserted, 1)
	assert.Equal(t, ir.RemoteID(501), result.Upserted[0].ID)

	items, err := f.remote.List(ctx, scopeA)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestSync_EmitsSyncCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.engine.Subscribe()
	defer sub.Close()

	f.save(t, ir.EntityID{}, engine.Note{Title: "A"})
	result, err := f.engine.RequestSync(ctx, scopeA, true)
	require.NoError(t, err)

	ev, ok := sub.TryNext()
	require.True(t, ok)
	assert.Equal(t, scopeA, ev.Scope)
	assert.Equal(t, result, ev.Result)
	assert.NoError(t, ev.Err)

	release := f.engine.BeginEdit(scopeA)
	defer release()
	_, err = f.engine.RequestSync(ctx, scopeA, true)
	require.Error(t, err)
	_, ok = sub.TryNext()
	assert.False(t, ok, "blocked requests emit nothing")
}

func TestSync_ScopesAreIndependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scopeB := engine.NoteScope("list:b")

	f.save(t, ir.EntityID{}, engine.Note{Title: "A"})
	_, err := f.engine.Mutations().SaveUpsert(ctx, ir.EntityID{}, scopeB, engine.Note{Title: "B"})
	require.NoError(t, err)

	result, err := f.engine.RequestSync(ctx, scopeB, true)
	require.NoError(t, err)
	require.Len(t, result.Upserted, 1)
	assert.Equal(t, "B", result.Upserted[0].Payload.DisplayName())

	has, err := f.engine.HasOfflineChanges(ctx, scopeA)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestRequestSync_WrongKind(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.RequestSync(context.Background(), ir.Scope{Kind: "other", Key: "x"}, true)
	assert.Error(t, err)
}

func TestSync_TransientFailureMidPassKeepsOnlyTheFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.Seed(scopeA, ir.Item{ID: ir.RemoteID(42), Payload: engine.Note{Title: "C", Day: 2}})
	f.remote.Fail(func(sub ir.Submission) string {
		if sub.DisplayName == "B" {
			return "connection reset by peer"
		}
		return ""
	})

	failing := f.save(t, ir.EntityID{}, engine.Note{Title: "B"})
	f.clock.Advance(time.Second)
	f.save(t, ir.EntityID{}, engine.Note{Title: "A"})
	f.clock.Advance(time.Second)
	f.save(t, ir.RemoteID(42), engine.Note{Title: "C", Day: 4})

	result, err := f.engine.RequestSync(ctx, scopeA, true)
	require.Error(t, err)
	assert.True(t, engine.IsUnreachable(err))
	var se *engine.SyncError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, failing.ID.String(), se.ID)

	require.Len(t, result.Upserted, 2, "the pass continues past the failure")
	assert.Equal(t, "A", result.Upserted[0].Payload.DisplayName())
	assert.Equal(t, ir.RemoteID(42), result.Upserted[1].ID)
	assert.Empty(t, result.Warnings)

	ups, _ := f.snapshot(t)
	require.Len(t, ups, 1)
	assert.Equal(t, failing.ID, ups[0].ID)
	assert.Equal(t, failing.IdempotencyKey, ups[0].IdempotencyKey)

	_, synced := f.engine.LastSync(ctx, scopeA)
	assert.False(t, synced, "a pass with a transient failure is not a clean sync")

	f.remote.ClearFailures()
	result, err = f.engine.RequestSync(ctx, scopeA, true)
	require.NoError(t, err)
	require.Len(t, result.Upserted, 1)
	assert.Equal(t, "B", result.Upserted[0].Payload.DisplayName())
	ups, _ = f.snapshot(t)
	assert.Empty(t, ups)
}

func TestSync_EditDuringInFlightCreateBecomesUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	up := f.save(t, ir.EntityID{}, engine.Note{Title: "A", Day: 1})

	entered, release := f.remote.Hold()
	done := make(chan struct{})
	var first ir.SyncResult
	var firstErr error
	go func() {
		defer close(done)
		first, firstErr = f.engine.RequestSync(ctx, scopeA, true)
	}()
	<-entered

	// The user edits the event while its create is on the wire.
	_, err := f.engine.Mutations().SaveUpsert(ctx, up.ID, scopeA, engine.Note{Title: "A", Day: 5})
	require.NoError(t, err)

	release()
	<-done
	require.NoError(t, firstErr)
	require.Len(t, first.Upserted, 1)
	assert.Equal(t, ir.RemoteID(501), first.Upserted[0].ID)

	ups, _ := f.snapshot(t)
	require.Len(t, ups, 1)
	assert.Equal(t, ir.RemoteID(501), ups[0].ID, "kept edit is rekeyed to the remote id")
	assert.Empty(t, ups[0].IdempotencyKey)
	assert.Equal(t, engine.Note{Title: "A", Day: 5}, ups[0].Payload)
	assert.Equal(t, engine.Note{Title: "A", Day: 1}, ups[0].Base)

	second, err := f.engine.RequestSync(ctx, scopeA, true)
	require.NoError(t, err)
	calls := f.remote.Calls()
	last := calls[len(calls)-1]
	assert.Equal(t, ir.OpUpdate, last.Op)
	assert.Equal(t, ir.RemoteID(501), last.ID)
	assert.Empty(t, last.IdempotencyKey)
	assert.Equal(t, 1, f.remote.CallCount(ir.OpCreate), "no second create")

	got, ok := f.remote.Get(ir.RemoteID(501))
	require.True(t, ok)
	assert.Equal(t, engine.Note{Title: "A", Day: 5}, got.Payload)
	assert.Equal(t, []string{"day:5"}, second.Plan.Refetch)
	assert.Equal(t, []string{"day:1", "upcoming"}, second.Plan.Invalidate)
}

func TestSync_DeletePlansLastKnownPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := ir.Item{ID: ir.RemoteID(42), Payload: engine.Note{Title: "Meeting", Day: 3}}
	f.remote.Seed(scopeA, item)

	require.NoError(t, f.engine.Mutations().MarkItemDeleted(ctx, item, scopeA, false))
	_, dels := f.snapshot(t)
	require.Len(t, dels, 1)
	assert.Equal(t, "Meeting", dels[0].DisplayName)
	assert.Equal(t, item.Payload, dels[0].Snapshot)

	result, err := f.engine.RequestSync(ctx, scopeA, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"day:3"}, result.Plan.Refetch)
	assert.Equal(t, []string{"upcoming"}, result.Plan.Invalidate)
}

func TestSync_DeleteWithoutSnapshotLearnsFromView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.remote.Seed(scopeA, ir.Item{ID: ir.RemoteID(42), Payload: engine.Note{Title: "Meeting", Day: 3, Every: 7, Count: 2}})

	require.NoError(t, f.engine.Mutations().MarkDeleted(ctx, ir.RemoteID(42), scopeA, "Meeting", true))
	_, err := f.engine.MergedView(ctx, scopeA, nil, f.remote.Fetcher(scopeA))
	require.NoError(t, err)

	result, err := f.engine.RequestSync(ctx, scopeA, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"day:3"}, result.Plan.Refetch)
	assert.Equal(t, []string{"day:10", "day:-4", "upcoming"}, result.Plan.Invalidate)
}

func TestSync_MovedEditInvalidatesPreviousPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := ir.Item{ID: ir.RemoteID(42), Payload: engine.Note{Title: "Meeting", Day: 3}}
	f.remote.Seed(scopeA, item)

	_, err := f.engine.Mutations().SaveEdit(ctx, item, scopeA, engine.Note{Title: "Meeting", Day: 60})
	require.NoError(t, err)
	// A second edit keeps the first base.
	_, err = f.engine.Mutations().SaveEdit(ctx, ir.Item{ID: ir.RemoteID(42), Payload: engine.Note{Title: "Meeting", Day: 60}}, scopeA, engine.Note{Title: "Meeting", Day: 61})
	require.NoError(t, err)

	result, err := f.engine.RequestSync(ctx, scopeA, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"day:61"}, result.Plan.Refetch)
	assert.Equal(t, []string{"day:3", "upcoming"}, result.Plan.Invalidate)
}
