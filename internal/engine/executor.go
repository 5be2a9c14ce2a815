package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/roach88/outbox/internal/ir"
)

// RemoteAuthority is the server that accepts or rejects mutations.
//
// Submit returns the authoritative entity for creates and updates. Errors
// made with Rejected are permanent; any other error is transient.
type RemoteAuthority interface {
	Submit(ctx context.Context, sub ir.Submission) (ir.Item, error)
}

// Invalidator receives the cache plan of a pass that changed something.
type Invalidator interface {
	Apply(ctx context.Context, plan ir.Plan) error
}

// State is where a scope is in its pass lifecycle.
type State int

const (
	StateIdle State = iota
	StateLocked
	StateDraining
	StateReconciling
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLocked:
		return "locked"
	case StateDraining:
		return "draining"
	case StateReconciling:
		return "reconciling"
	default:
		return "unknown"
	}
}

// Repeater is implemented by payloads that expand into several instances
// (a recurring event). Payloads without it count as one instance.
type Repeater interface {
	Repetitions() int
}

// Executor replays the pending mutations of one scope against the remote
// authority.
//
// Thread-safety: Run is safe for concurrent use. Two passes for the same
// scope never overlap; different scopes run in parallel.
type Executor struct {
	muts        *MutationStore
	remote      RemoteAuthority
	runs        *RunLock
	edits       *EditBlock
	throttle    *Throttle
	planner     *Planner
	invalidator Invalidator
	events      *notifier
	logger      *slog.Logger

	mu     sync.Mutex
	states map[string]State
}

// State reports the lifecycle state of scope.
func (x *Executor) State(scope ir.Scope) State {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.states[scope.String()]
}

func (x *Executor) setState(key string, s State) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if s == StateIdle {
		delete(x.states, key)
		return
	}
	x.states[key] = s
}

// Run executes one pass over scope, or joins the pass already running.
//
// The returned error is nil, a SYNC_BLOCKED error, a STORAGE error that
// aborted the pass, or the first transient remote error of a pass that
// otherwise ran to completion. The result is valid in every case.
//
// The pass ignores cancellation of ctx; remote timeouts are the
// transport's concern.
func (x *Executor) Run(ctx context.Context, scope ir.Scope) (ir.SyncResult, error) {
	key := scope.String()
	if !x.runs.IsSyncing(key) && x.edits.IsBlocked(key) {
		return ir.SyncResult{Scope: scope}, Blocked(scope)
	}

	passCtx := context.WithoutCancel(ctx)
	v, err, shared := x.runs.RunExclusive(key, func() (any, error) {
		result, err := x.pass(passCtx, scope)
		if !IsSyncBlocked(err) {
			x.events.publish(SyncCompleted{Scope: scope, Result: result, Err: err})
		}
		return result, err
	})
	if shared {
		x.logger.Debug("joined in-flight sync pass", "scope", key)
	}
	result, _ := v.(ir.SyncResult)
	return result, err
}

func (x *Executor) pass(ctx context.Context, scope ir.Scope) (ir.SyncResult, error) {
	key := scope.String()
	result := ir.SyncResult{Scope: scope}

	x.setState(key, StateLocked)
	defer x.setState(key, StateIdle)

	if x.edits.IsBlocked(key) {
		return result, Blocked(scope)
	}

	deletes, err := x.muts.ListDeleted(ctx, scope)
	if err != nil {
		return result, err
	}
	upserts, err := x.muts.ListUpserts(ctx, scope)
	if err != nil {
		return result, err
	}

	x.setState(key, StateDraining)
	x.logger.Info("sync pass starting", "scope", key, "deletes", len(deletes), "upserts", len(upserts))

	var firstErr error
	fail := func(err error, id ir.EntityID) {
		if firstErr == nil {
			firstErr = transient(err, scope, id)
		}
	}

	settled := make(map[ir.EntityID]bool)
	waiting := make(map[ir.EntityID]bool)
	var touched []ir.Touched

	for _, d := range deletes {
		_, err := x.remote.Submit(ctx, ir.Submission{
			Op:          ir.OpDelete,
			Kind:        x.muts.Kind(),
			Scope:       d.Scope,
			ID:          d.ID,
			DisplayName: d.DisplayName,
			Cascade:     d.Cascade,
		})
		switch {
		case err == nil:
			if _, err := x.muts.UnmarkDeleted(ctx, d.ID); err != nil {
				return result, err
			}
			settled[d.ID] = true
			result.Deleted = append(result.Deleted, d.ID)
			result.AnythingChanged = true
			touched = appendDeleted(touched, d)
			x.logger.Debug("delete replayed", "scope", key, "id", d.ID.String())
		case IsRejected(err):
			if _, err := x.muts.UnmarkDeleted(ctx, d.ID); err != nil {
				return result, err
			}
			settled[d.ID] = true
			result.AnythingChanged = true
			touched = appendDeleted(touched, d)
			w := ir.Warning{ID: d.ID, Op: ir.OpDelete, DisplayName: d.DisplayName, Reason: rejectionReason(err)}
			result.Warnings = append(result.Warnings, w)
			x.logger.Warn("delete discarded", "scope", key, "id", d.ID.String(), "reason", w.Reason)
		default:
			waiting[d.ID] = true
			fail(err, d.ID)
			x.logger.Debug("delete kept for retry", "scope", key, "id", d.ID.String(), "error", err)
		}
	}

	for _, u := range upserts {
		if u.ID.IsRemote() {
			if settled[u.ID] {
				if _, err := x.muts.settleUpsert(ctx, u, ir.EntityID{}); err != nil {
					return result, err
				}
				x.logger.Debug("edit of deleted entity dropped", "scope", key, "id", u.ID.String())
				continue
			}
			if waiting[u.ID] {
				continue
			}
		}

		sub := ir.Submission{
			Kind:        x.muts.Kind(),
			Scope:       u.Scope,
			Payload:     u.Payload,
			DisplayName: u.Payload.DisplayName(),
		}
		if u.ID.IsLocal() {
			sub.Op = ir.OpCreate
			sub.IdempotencyKey = u.IdempotencyKey
		} else {
			sub.Op = ir.OpUpdate
			sub.ID = u.ID
		}

		item, err := x.remote.Submit(ctx, sub)
		switch {
		case err == nil:
			if item.ID.IsZero() && sub.Op == ir.OpUpdate {
				item.ID = u.ID
			}
			if item.Payload == nil {
				item.Payload = u.Payload
			}
			item.Offline = false
			item.Deleted = false
			if _, err := x.muts.settleUpsert(ctx, u, item.ID); err != nil {
				return result, err
			}
			result.Upserted = append(result.Upserted, item)
			t := ir.Touched{Item: item, Repetitions: repetitions(item.Payload)}
			if sub.Op == ir.OpUpdate {
				t.Before = u.Base
			}
			touched = append(touched, t)
			result.AnythingChanged = true
			x.logger.Debug("upsert replayed", "scope", key, "op", sub.Op.String(), "id", item.ID.String())
		case IsRejected(err):
			if _, err := x.muts.settleUpsert(ctx, u, ir.EntityID{}); err != nil {
				return result, err
			}
			w := ir.Warning{ID: u.ID, Op: sub.Op, DisplayName: sub.DisplayName, Reason: rejectionReason(err)}
			result.Warnings = append(result.Warnings, w)
			x.logger.Warn("upsert discarded", "scope", key, "id", u.ID.String(), "reason", w.Reason)
		default:
			fail(err, u.ID)
			x.logger.Debug("upsert kept for retry", "scope", key, "id", u.ID.String(), "error", err)
		}
	}

	if result.AnythingChanged {
		x.setState(key, StateReconciling)
		result.Plan = x.planner.Plan(touched)
		if x.invalidator != nil && !result.Plan.Empty() {
			if err := x.invalidator.Apply(ctx, result.Plan); err != nil {
				x.logger.Warn("cache invalidation failed", "scope", key, "error", err)
			}
		}
	}

	if firstErr == nil {
		x.throttle.RecordSyncNow(ctx, scope)
	}

	x.logger.Info("sync pass finished",
		"scope", key,
		"upserted", len(result.Upserted),
		"deleted", len(result.Deleted),
		"warnings", len(result.Warnings),
		"changed", result.AnythingChanged,
		"error", firstErr,
	)
	return result, firstErr
}

// transient normalizes a non-rejection remote error to REMOTE_UNREACHABLE.
func transient(err error, scope ir.Scope, id ir.EntityID) error {
	var se *SyncError
	if errors.As(err, &se) && se.Code == ErrCodeUnreachable {
		return err
	}
	return &SyncError{
		Code:    ErrCodeUnreachable,
		Message: "remote unreachable",
		Scope:   scope.String(),
		ID:      id.String(),
		Err:     err,
	}
}

// appendDeleted adds the last-known position of a settled delete. A
// cascading delete counts every repetition of the series.
func appendDeleted(touched []ir.Touched, d ir.PendingDelete) []ir.Touched {
	if d.Snapshot == nil {
		return touched
	}
	reps := 1
	if d.Cascade {
		reps = repetitions(d.Snapshot)
	}
	return append(touched, ir.Touched{
		Item:        ir.Item{ID: d.ID, Payload: d.Snapshot},
		Repetitions: reps,
	})
}

func repetitions(p ir.Payload) int {
	if r, ok := p.(Repeater); ok && r.Repetitions() > 1 {
		return r.Repetitions()
	}
	return 1
}
