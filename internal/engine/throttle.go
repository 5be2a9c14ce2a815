package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/outbox/internal/ir"
	"github.com/roach88/outbox/internal/store"
)

// Throttle is per-scope sync bookkeeping over the sync_marks table.
//
// Storage failures fail open: a scope whose mark cannot be read is due.
type Throttle struct {
	store *store.Store
	clock Clock
}

// NewThrottle creates a Throttle.
func NewThrottle(st *store.Store, clock Clock) *Throttle {
	return &Throttle{store: st, clock: clock}
}

// LastSyncTime returns when the scope last finished a clean pass.
func (t *Throttle) LastSyncTime(ctx context.Context, scope ir.Scope) (time.Time, bool) {
	millis, ok, err := t.store.SyncMark(ctx, scope.String())
	if err != nil {
		slog.Warn("sync mark unreadable, treating scope as due", "scope", scope.String(), "error", err)
		return time.Time{}, false
	}
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(millis), true
}

// RecordSyncNow stamps the scope with the current time.
func (t *Throttle) RecordSyncNow(ctx context.Context, scope ir.Scope) {
	now := t.clock.Now().UnixMilli()
	if err := t.store.PutSyncMark(ctx, scope.String(), now); err != nil {
		slog.Warn("failed to record sync mark", "scope", scope.String(), "error", err)
	}
}

// IsDue reports whether minInterval has elapsed since the last clean pass.
// A mark in the future (clock moved backwards) counts as due.
func (t *Throttle) IsDue(ctx context.Context, scope ir.Scope, minInterval time.Duration) bool {
	if minInterval <= 0 {
		return true
	}
	last, ok := t.LastSyncTime(ctx, scope)
	if !ok {
		return true
	}
	now := t.clock.Now()
	if last.After(now) {
		return true
	}
	return now.Sub(last) >= minInterval
}
