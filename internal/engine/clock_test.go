package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDAllocator_DerivesFromTime(t *testing.T) {
	var a IDAllocator

	id := a.Allocate(1700000000000)
	assert.True(t, id.IsLocal())
	assert.Equal(t, int64(-1700000000000), id.Raw())
}

func TestIDAllocator_SameMillisecondStillUnique(t *testing.T) {
	var a IDAllocator

	first := a.Allocate(5000)
	second := a.Allocate(5000)
	third := a.Allocate(4000) // clock went backwards

	assert.Equal(t, int64(5000), first.Value())
	assert.Equal(t, int64(5001), second.Value())
	assert.Equal(t, int64(5002), third.Value())
}

func TestIDAllocator_NonPositiveTime(t *testing.T) {
	var a IDAllocator

	id := a.Allocate(0)
	require.True(t, id.IsLocal())
	assert.Equal(t, int64(1), id.Value())
}

func TestIDAllocator_Concurrent(t *testing.T) {
	var a IDAllocator
	const goroutines = 50
	const perGoroutine = 100

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				id := a.Allocate(1000)
				mu.Lock()
				seen[id.Raw()] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*perGoroutine, "all allocations should be unique")
}
