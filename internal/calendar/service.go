package calendar

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/outbox/internal/engine"
	"github.com/roach88/outbox/internal/ir"
	"github.com/roach88/outbox/internal/store"
)

// Lister fetches the authoritative events of a scope.
type Lister interface {
	List(ctx context.Context, scope ir.Scope) ([]ir.Item, error)
}

// Service is the calendar-facing API over the offline engine.
type Service struct {
	eng     *engine.Engine
	adapter Adapter
	lister  Lister
	loc     *time.Location
}

// NewService creates a calendar Service. Day and month views are computed
// in loc.
func NewService(st *store.Store, remote engine.RemoteAuthority, lister Lister, loc *time.Location, opts ...engine.Option) *Service {
	adapter := NewAdapter(loc)
	return &Service{
		eng:     engine.New(st, remote, adapter, opts...),
		adapter: adapter,
		lister:  lister,
		loc:     adapter.loc,
	}
}

// Engine exposes the underlying engine (subscriptions, edit sessions).
func (s *Service) Engine() *engine.Engine {
	return s.eng
}

// Adapter returns the calendar adapter.
func (s *Service) Adapter() Adapter {
	return s.adapter
}

// AddEvent records a new event while offline or online.
func (s *Service) AddEvent(ctx context.Context, e Event) (ir.PendingUpsert, error) {
	return s.eng.Mutations().SaveUpsert(ctx, ir.EntityID{}, ScopeFor(e), e)
}

// EditEvent records an edit of an existing (pending or remote) event.
func (s *Service) EditEvent(ctx context.Context, id ir.EntityID, e Event) (ir.PendingUpsert, error) {
	if id.IsZero() {
		return ir.PendingUpsert{}, fmt.Errorf("edit event: zero id")
	}
	return s.eng.Mutations().SaveUpsert(ctx, id, ScopeFor(e), e)
}

// EditEventFrom records an edit of prev, the event as the user last saw
// it. If the edit moves the event, the sync pass also invalidates the days
// prev was shown on.
func (s *Service) EditEventFrom(ctx context.Context, prev ir.Item, e Event) (ir.PendingUpsert, error) {
	return s.eng.Mutations().SaveEdit(ctx, prev, ScopeFor(e), e)
}

// DeleteEvent tombstones event id of scope. cascade deletes the whole
// series of a recurring event. The event's position is learned from the
// next view that still shows it; DeleteEventItem records it up front.
func (s *Service) DeleteEvent(ctx context.Context, id ir.EntityID, scope ir.Scope, title string, cascade bool) error {
	return s.eng.Mutations().MarkDeleted(ctx, id, scope, title, cascade)
}

// DeleteEventItem tombstones a displayed event, keeping its payload so the
// sync pass refreshes the days it was shown on.
func (s *Service) DeleteEventItem(ctx context.Context, item ir.Item, cascade bool) error {
	e, ok := item.Payload.(Event)
	if !ok {
		return fmt.Errorf("delete event: item %s is not a calendar event", item.ID)
	}
	return s.eng.Mutations().MarkItemDeleted(ctx, item, ScopeFor(e), cascade)
}

// Undelete withdraws a delete that has not synced yet. false means the
// delete already reached the server.
func (s *Service) Undelete(ctx context.Context, id ir.EntityID) (bool, error) {
	return s.eng.Mutations().UnmarkDeleted(ctx, id)
}

// Sync replays the pending changes of scope.
func (s *Service) Sync(ctx context.Context, scope ir.Scope, force bool) (ir.SyncResult, error) {
	return s.eng.RequestSync(ctx, scope, force)
}

// Day returns the merged view of the day containing t.
func (s *Service) Day(ctx context.Context, scope ir.Scope, t time.Time) ([]ir.Item, error) {
	w := DayWindow(t, s.loc)
	return s.view(ctx, scope, w)
}

// Month returns the merged view of a month.
func (s *Service) Month(ctx context.Context, scope ir.Scope, y int, m time.Month) ([]ir.Item, error) {
	return s.view(ctx, scope, MonthWindow(y, m, s.loc))
}

// Upcoming returns the merged view of the next days days.
func (s *Service) Upcoming(ctx context.Context, scope ir.Scope, now time.Time, days int) ([]ir.Item, error) {
	return s.view(ctx, scope, UpcomingWindow(now, days))
}

// view merges remote items with pending state. Remote items outside the
// window are dropped as well, so both sides are filtered alike.
func (s *Service) view(ctx context.Context, scope ir.Scope, w Window) ([]ir.Item, error) {
	fetch := func(ctx context.Context) ([]ir.Item, error) {
		items, err := s.lister.List(ctx, scope)
		if err != nil {
			return nil, err
		}
		kept := items[:0:0]
		for _, it := range items {
			if it.Payload == nil || w.Contains(it.Payload) {
				kept = append(kept, it)
			}
		}
		return kept, nil
	}
	return s.eng.MergedView(ctx, scope, w, fetch)
}

// HasOfflineChanges reports pending changes in scope (zero: any scope).
func (s *Service) HasOfflineChanges(ctx context.Context, scope ir.Scope) (bool, error) {
	return s.eng.HasOfflineChanges(ctx, scope)
}
