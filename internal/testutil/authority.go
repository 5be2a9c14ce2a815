package testutil

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/outbox/internal/engine"
	"github.com/roach88/outbox/internal/ir"
)

// ErrOffline is the transport error FakeAuthority returns while offline.
var ErrOffline = errors.New("network is unreachable")

// RejectRule decides whether the fake refuses a submission. A non-empty
// reason rejects it permanently.
type RejectRule func(sub ir.Submission) (reason string)

// FakeAuthority is an in-memory remote authority.
//
// It assigns increasing remote ids to creates, collapses creates that
// repeat an idempotency key, rejects updates and deletes of unknown ids,
// and records every submission it receives, including those made while
// offline.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeAuthority struct {
	mu      sync.Mutex
	online  bool
	nextID  int64
	items   map[ir.EntityID]ir.Item
	scopes  map[ir.EntityID]ir.Scope
	order   []ir.EntityID
	tokens  map[string]ir.EntityID
	rules   []RejectRule
	fails   []RejectRule
	calls   []ir.Submission
	gate    chan struct{}
	entered chan struct{}
}

// NewFakeAuthority creates an online authority whose first create gets id
// firstID.
func NewFakeAuthority(firstID int64) *FakeAuthority {
	return &FakeAuthority{
		online: true,
		nextID: firstID,
		items:  make(map[ir.EntityID]ir.Item),
		scopes: make(map[ir.EntityID]ir.Scope),
		tokens: make(map[string]ir.EntityID),
	}
}

// SetOnline toggles connectivity.
func (f *FakeAuthority) SetOnline(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = online
}

// Reject adds a rejection rule.
func (f *FakeAuthority) Reject(rule RejectRule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule)
}

// ClearRejects removes every rejection rule.
func (f *FakeAuthority) ClearRejects() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = nil
}

// Fail adds a transient failure rule: a matching submission fails with an
// unreachable error carrying the rule's reason, as if the connection
// dropped mid-pass. Other submissions go through.
func (f *FakeAuthority) Fail(rule RejectRule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails = append(f.fails, rule)
}

// ClearFailures removes every transient failure rule.
func (f *FakeAuthority) ClearFailures() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails = nil
}

// Seed stores an existing remote entity.
func (f *FakeAuthority) Seed(scope ir.Scope, item ir.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.put(scope, item)
}

func (f *FakeAuthority) put(scope ir.Scope, item ir.Item) {
	if _, ok := f.items[item.ID]; !ok {
		f.order = append(f.order, item.ID)
	}
	item.Offline = false
	item.Deleted = false
	f.items[item.ID] = item
	f.scopes[item.ID] = scope
}

// Hold makes every Submit wait until the returned release is called.
// Entered receives one value per Submit that reached the gate.
func (f *FakeAuthority) Hold() (entered <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	f.entered = make(chan struct{}, 64)
	gate := f.gate
	var once sync.Once
	return f.entered, func() { once.Do(func() { close(gate) }) }
}

// Submit implements engine.RemoteAuthority.
func (f *FakeAuthority) Submit(ctx context.Context, sub ir.Submission) (ir.Item, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sub)
	gate, entered := f.gate, f.entered
	f.mu.Unlock()

	if gate != nil {
		entered <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return ir.Item{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.online {
		return ir.Item{}, engine.Unreachable(ErrOffline)
	}
	for _, rule := range f.fails {
		if reason := rule(sub); reason != "" {
			return ir.Item{}, engine.Unreachable(errors.New(reason))
		}
	}
	for _, rule := range f.rules {
		if reason := rule(sub); reason != "" {
			return ir.Item{}, engine.Rejected(reason)
		}
	}

	switch sub.Op {
	case ir.OpCreate:
		if sub.IdempotencyKey != "" {
			if id, ok := f.tokens[sub.IdempotencyKey]; ok {
				if item, ok := f.items[id]; ok {
					return item, nil
				}
			}
		}
		id := ir.RemoteID(f.nextID)
		f.nextID++
		item := ir.Item{ID: id, Payload: sub.Payload}
		f.put(sub.Scope, item)
		if sub.IdempotencyKey != "" {
			f.tokens[sub.IdempotencyKey] = id
		}
		return item, nil

	case ir.OpUpdate:
		if _, ok := f.items[sub.ID]; !ok {
			return ir.Item{}, engine.Rejected(fmt.Sprintf("%s no longer exists", sub.DisplayName))
		}
		item := ir.Item{ID: sub.ID, Payload: sub.Payload}
		f.put(sub.Scope, item)
		return item, nil

	case ir.OpDelete:
		if _, ok := f.items[sub.ID]; !ok {
			return ir.Item{}, engine.Rejected(fmt.Sprintf("%s was already deleted", sub.DisplayName))
		}
		delete(f.items, sub.ID)
		delete(f.scopes, sub.ID)
		f.order = slices.DeleteFunc(f.order, func(id ir.EntityID) bool { return id == sub.ID })
		return ir.Item{ID: sub.ID}, nil
	}
	return ir.Item{}, engine.Rejected(fmt.Sprintf("unsupported operation %s", sub.Op))
}

// List returns the remote items of scope in insertion order. It fails with
// an unreachable error while offline.
func (f *FakeAuthority) List(ctx context.Context, scope ir.Scope) ([]ir.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online {
		return nil, engine.Unreachable(ErrOffline)
	}
	items := []ir.Item{}
	for _, id := range f.order {
		if f.scopes[id] == scope {
			items = append(items, f.items[id])
		}
	}
	return items, nil
}

// Fetcher returns a merged-view fetch callback for scope.
func (f *FakeAuthority) Fetcher(scope ir.Scope) func(context.Context) ([]ir.Item, error) {
	return func(ctx context.Context) ([]ir.Item, error) {
		return f.List(ctx, scope)
	}
}

// Get returns the remote entity with id.
func (f *FakeAuthority) Get(id ir.EntityID) (ir.Item, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	return item, ok
}

// Calls returns a copy of every submission received.
func (f *FakeAuthority) Calls() []ir.Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// CallCount returns how many submissions of op were received.
func (f *FakeAuthority) CallCount(op ir.Operation) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log.
func (f *FakeAuthority) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}
