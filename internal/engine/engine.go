package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/outbox/internal/ir"
	"github.com/roach88/outbox/internal/store"
)

// Adapter supplies everything kind-specific: payload decoding, the view
// order, and the cache projection used for invalidation.
type Adapter interface {
	Decoder
	Projection

	// Compare orders items in a merged view.
	Compare(a, b ir.Item) int
}

// DefaultMinInterval is the throttle interval for non-forced syncs.
const DefaultMinInterval = 5 * time.Minute

// Engine is the public entry point for one entity kind.
//
// Thread-safety model:
//   - every method is safe from any goroutine
//   - sync passes for one scope are serialized by RunLock
//   - different scopes sync in parallel
type Engine struct {
	adapter     Adapter
	muts        *MutationStore
	exec        *Executor
	throttle    *Throttle
	runs        *RunLock
	edits       *EditBlock
	events      *notifier
	minInterval time.Duration
	clock       Clock
}

type config struct {
	minInterval time.Duration
	clock       Clock
	logger      *slog.Logger
	invalidator Invalidator
	limit       int
	tokens      TokenGenerator
}

// Option configures an Engine.
type Option func(*config)

// WithMinInterval sets how long a scope stays throttled after a clean pass.
// Zero disables throttling.
func WithMinInterval(d time.Duration) Option {
	return func(c *config) { c.minInterval = d }
}

// WithClock replaces the wall clock (tests use a manual clock).
func WithClock(clock Clock) Option {
	return func(c *config) { c.clock = clock }
}

// WithLogger sets the logger for sync passes. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithInvalidator registers the cache that receives invalidation plans.
func WithInvalidator(inv Invalidator) Option {
	return func(c *config) { c.invalidator = inv }
}

// WithProjectionLimit caps repetition expansion in the planner.
func WithProjectionLimit(n int) Option {
	return func(c *config) { c.limit = n }
}

// WithTokenGenerator replaces the UUIDv7 idempotency token generator.
func WithTokenGenerator(g TokenGenerator) Option {
	return func(c *config) { c.tokens = g }
}

// New creates an Engine for adapter's kind over st, replaying against remote.
func New(st *store.Store, remote RemoteAuthority, adapter Adapter, opts ...Option) *Engine {
	cfg := config{
		minInterval: DefaultMinInterval,
		clock:       SystemClock{},
		tokens:      UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	muts := NewMutationStore(st, adapter, cfg.clock, cfg.tokens)
	throttle := NewThrottle(st, cfg.clock)
	runs := NewRunLock()
	edits := NewEditBlock()
	events := &notifier{}

	return &Engine{
		adapter:  adapter,
		muts:     muts,
		throttle: throttle,
		runs:     runs,
		edits:    edits,
		events:   events,
		exec: &Executor{
			muts:        muts,
			remote:      remote,
			runs:        runs,
			edits:       edits,
			throttle:    throttle,
			planner:     NewPlanner(adapter, cfg.limit),
			invalidator: cfg.invalidator,
			events:      events,
			logger:      cfg.logger.With("kind", string(adapter.Kind())),
			states:      make(map[string]State),
		},
		minInterval: cfg.minInterval,
		clock:       cfg.clock,
	}
}

// Mutations returns the pending-mutation store.
func (e *Engine) Mutations() *MutationStore {
	return e.muts
}

// Executor returns the sync executor.
func (e *Engine) Executor() *Executor {
	return e.exec
}

// RequestSync replays the scope's pending mutations.
//
// A request for a scope that is already syncing joins the running pass.
// Otherwise, unless force is set, a scope that finished a clean pass less
// than the minimum interval ago is not synced and the result has
// Throttled set.
func (e *Engine) RequestSync(ctx context.Context, scope ir.Scope, force bool) (ir.SyncResult, error) {
	if scope.Kind != e.adapter.Kind() {
		return ir.SyncResult{Scope: scope}, fmt.Errorf("request sync: scope kind %q does not match engine kind %q", scope.Kind, e.adapter.Kind())
	}
	if !force && !e.runs.IsSyncing(scope.String()) && !e.throttle.IsDue(ctx, scope, e.minInterval) {
		slog.Debug("sync throttled", "scope", scope.String())
		return ir.SyncResult{Scope: scope, Throttled: true}, nil
	}
	return e.exec.Run(ctx, scope)
}

// MergedView fetches the remote items of scope and merges in the pending
// local state. Only pending upserts inside window are shown.
func (e *Engine) MergedView(ctx context.Context, scope ir.Scope, window Window, fetch func(context.Context) ([]ir.Item, error)) ([]ir.Item, error) {
	remote, err := fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch remote items: %w", err)
	}
	upserts, err := e.muts.ListUpserts(ctx, scope)
	if err != nil {
		return nil, err
	}
	deletes, err := e.muts.ListDeleted(ctx, scope)
	if err != nil {
		return nil, err
	}
	e.rememberPositions(ctx, remote, upserts, deletes)
	return Merge(remote, upserts, deletes, window, e.adapter.Compare), nil
}

// rememberPositions records the fetched payload of every tombstoned or
// edited remote entity whose previous position is not yet known, so the
// sync pass can invalidate where it was shown. Failures only cost the
// planner that position.
func (e *Engine) rememberPositions(ctx context.Context, remote []ir.Item, upserts []ir.PendingUpsert, deletes []ir.PendingDelete) {
	needSnapshot := make(map[ir.EntityID]bool)
	for _, d := range deletes {
		if d.Snapshot == nil {
			needSnapshot[d.ID] = true
		}
	}
	needBase := make(map[ir.EntityID]bool)
	for _, u := range upserts {
		if u.ID.IsRemote() && u.Base == nil {
			needBase[u.ID] = true
		}
	}
	if len(needSnapshot) == 0 && len(needBase) == 0 {
		return
	}
	for _, item := range remote {
		if item.Offline || !item.ID.IsRemote() {
			continue
		}
		deleted, edited := needSnapshot[item.ID], needBase[item.ID]
		if !deleted && !edited {
			continue
		}
		if err := e.muts.rememberRemote(ctx, item, deleted, edited); err != nil {
			slog.Warn("could not record previous position", "id", item.ID.String(), "error", err)
		}
	}
}

// HasOfflineChanges reports whether anything is waiting to sync. A zero
// scope checks every scope.
func (e *Engine) HasOfflineChanges(ctx context.Context, scope ir.Scope) (bool, error) {
	return e.muts.HasPending(ctx, scope)
}

// Counts returns the pending counts of scope (zero scope: all scopes).
func (e *Engine) Counts(ctx context.Context, scope ir.Scope) (store.Counts, error) {
	return e.muts.Counts(ctx, scope)
}

// LastSync returns when scope last finished a clean pass.
func (e *Engine) LastSync(ctx context.Context, scope ir.Scope) (time.Time, bool) {
	return e.throttle.LastSyncTime(ctx, scope)
}

// Subscribe registers for SyncCompleted events. Call Close when done.
func (e *Engine) Subscribe() *Subscription {
	return e.events.subscribe()
}

// BeginEdit blocks syncing of scope while a user edits it. The returned
// release is idempotent; callers should defer it.
func (e *Engine) BeginEdit(scope ir.Scope) (release func()) {
	return e.edits.Block(scope.String())
}

// StartEditSession begins a lock-renewed edit session on scope.
func (e *Engine) StartEditSession(ctx context.Context, renewer LockRenewer, scope ir.Scope) (*EditSession, error) {
	return StartEditSession(ctx, e.edits, renewer, scope)
}

// State reports where scope is in its pass lifecycle.
func (e *Engine) State(scope ir.Scope) State {
	return e.exec.State(scope)
}
