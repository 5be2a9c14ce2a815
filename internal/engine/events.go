package engine

import (
	"context"
	"sync"

	"github.com/roach88/outbox/internal/ir"
)

// SyncCompleted is emitted after every pass that actually ran, whether it
// succeeded or ended with an error.
type SyncCompleted struct {
	Scope  ir.Scope
	Result ir.SyncResult
	Err    error
}

// Subscription is an unbounded FIFO of SyncCompleted events.
//
// The queue is unbounded so a slow subscriber never stalls a sync pass.
// A buffered signal channel (size 1) coalesces wakeups and lets Next wait
// on a context.
type Subscription struct {
	mu     sync.Mutex
	events []SyncCompleted
	closed bool
	signal chan struct{}

	hub *notifier
}

func newSubscription(hub *notifier) *Subscription {
	return &Subscription{
		events: make([]SyncCompleted, 0, 8),
		signal: make(chan struct{}, 1),
		hub:    hub,
	}
}

// push appends an event. Returns false if the subscription is closed.
func (s *Subscription) push(e SyncCompleted) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.events = append(s.events, e)

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return true
}

// TryNext returns the oldest event without blocking.
func (s *Subscription) TryNext() (SyncCompleted, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) == 0 {
		return SyncCompleted{}, false
	}
	e := s.events[0]

	// Clear the slot so the result slices can be collected.
	s.events[0] = SyncCompleted{}
	if len(s.events) == 1 {
		s.events = s.events[:0]
	} else {
		s.events = s.events[1:]
	}
	return e, true
}

// Next blocks until an event arrives, the subscription is closed, or ctx
// is done. Returns false when closed and drained.
func (s *Subscription) Next(ctx context.Context) (SyncCompleted, bool, error) {
	for {
		if e, ok := s.TryNext(); ok {
			return e, true, nil
		}

		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return SyncCompleted{}, false, nil
		}

		select {
		case <-ctx.Done():
			return SyncCompleted{}, false, ctx.Err()
		case <-s.signal:
		}
	}
}

// Len returns the number of undelivered events.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Close unregisters the subscription and wakes any waiter. Idempotent.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.signal)
	s.mu.Unlock()

	if s.hub != nil {
		s.hub.remove(s)
	}
}

// notifier fans SyncCompleted out to subscriptions. It is owned by one
// Engine; there is no process-wide bus.
type notifier struct {
	mu   sync.Mutex
	subs []*Subscription
}

func (n *notifier) subscribe() *Subscription {
	sub := newSubscription(n)
	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()
	return sub
}

func (n *notifier) remove(sub *Subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, s := range n.subs {
		if s == sub {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			return
		}
	}
}

// publish never blocks.
func (n *notifier) publish(e SyncCompleted) {
	n.mu.Lock()
	subs := append([]*Subscription(nil), n.subs...)
	n.mu.Unlock()
	for _, s := range subs {
		s.push(e)
	}
}
