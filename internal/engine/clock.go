package engine

import (
	"sync/atomic"
	"time"

	"github.com/roach88/outbox/internal/ir"
)

// Clock supplies wall-clock time for id allocation and throttle marks.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real time.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// IDAllocator assigns local ids to entities that do not exist remotely yet.
//
// The id is derived from the allocation time (localId = -nowMillis), so no
// central counter is persisted. Within one process allocations are strictly
// increasing even when two happen in the same millisecond; across processes
// a same-millisecond collision is rejected by the store's primary key.
//
// Thread-safety: IDAllocator is safe for concurrent use (atomic operations).
type IDAllocator struct {
	last atomic.Int64
}

// Allocate returns a fresh local id for the given time in unix millis.
func (a *IDAllocator) Allocate(nowMillis int64) ir.EntityID {
	for {
		last := a.last.Load()
		next := nowMillis
		if next <= last {
			next = last + 1
		}
		if next <= 0 {
			next = 1
		}
		if a.last.CompareAndSwap(last, next) {
			return ir.LocalID(next)
		}
	}
}
