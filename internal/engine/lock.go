package engine

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// EditBlock is the advisory lock an editor holds while a user edits
// entities of a scope. Sync passes refuse to run on a blocked scope.
//
// Blocks are reference counted so two editors on the same scope each hold
// their own release. Locks live in memory only; a restart releases them.
//
// Thread-safety: EditBlock is safe for concurrent use.
type EditBlock struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewEditBlock creates an empty EditBlock.
func NewEditBlock() *EditBlock {
	return &EditBlock{counts: make(map[string]int)}
}

// Block holds key until the returned release is called. Release is
// idempotent, so it is safe to both defer it and call it early.
func (b *EditBlock) Block(key string) (release func()) {
	b.mu.Lock()
	b.counts[key]++
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.counts[key]--
			if b.counts[key] <= 0 {
				delete(b.counts, key)
			}
		})
	}
}

// IsBlocked reports whether any editor holds key.
func (b *EditBlock) IsBlocked(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[key] > 0
}

// RunLock allows one sync pass per key. A caller that arrives while a pass
// is running joins it and receives the same result instead of starting a
// second pass.
//
// Thread-safety: RunLock is safe for concurrent use.
type RunLock struct {
	group singleflight.Group

	mu      sync.Mutex
	running map[string]bool
}

// NewRunLock creates an idle RunLock.
func NewRunLock() *RunLock {
	return &RunLock{running: make(map[string]bool)}
}

// IsSyncing reports whether a pass holds key.
func (l *RunLock) IsSyncing(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running[key]
}

// RunExclusive runs fn while holding key. Concurrent callers for the same
// key share the first caller's result; shared reports whether this caller
// joined a pass started by someone else.
func (l *RunLock) RunExclusive(key string, fn func() (any, error)) (v any, err error, shared bool) {
	joined := true
	v, err, _ = l.group.Do(key, func() (any, error) {
		joined = false
		l.mu.Lock()
		l.running[key] = true
		l.mu.Unlock()
		defer func() {
			l.mu.Lock()
			delete(l.running, key)
			l.mu.Unlock()
		}()
		return fn()
	})
	return v, err, joined
}
