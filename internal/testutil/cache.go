package testutil

import (
	"context"
	"slices"
	"sync"

	"github.com/roach88/outbox/internal/ir"
)

// MemoryCache is an in-memory view cache that applies invalidation plans.
//
// Refetched keys are marked fresh; invalidated keys are dropped so the
// next visit would fetch them. Every applied plan is recorded.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]int // key -> number of fetches
	plans   []ir.Plan
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]int)}
}

// Put marks key as cached.
func (c *MemoryCache) Put(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.entries[k]++
	}
}

// Has reports whether key is cached.
func (c *MemoryCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Fetches returns how many times key was (re)fetched.
func (c *MemoryCache) Fetches(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key]
}

// Apply implements engine.Invalidator.
func (c *MemoryCache) Apply(_ context.Context, plan ir.Plan) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range plan.Invalidate {
		delete(c.entries, k)
	}
	for _, k := range plan.Refetch {
		c.entries[k]++
	}
	c.plans = append(c.plans, plan)
	return nil
}

// Plans returns every applied plan in order.
func (c *MemoryCache) Plans() []ir.Plan {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.plans)
}
