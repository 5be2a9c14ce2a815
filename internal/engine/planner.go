package engine

import (
	"github.com/roach88/outbox/internal/ir"
)

// DefaultProjectionLimit caps how many shifted repetitions of one entity
// are expanded in each direction.
const DefaultProjectionLimit = 64

// Placement is where an entity sits on its projection axis.
//
// Origin and Stride are in the projection's own units (days for a
// calendar). Repetitions counts occurrences including the origin.
type Placement struct {
	Origin      int64
	Stride      int64
	Repetitions int
}

// Projection maps entities onto cache buckets.
type Projection interface {
	// Place returns the entity's position; false means the entity has no
	// position (e.g. undated) and contributes only overview keys.
	Place(item ir.Item) (Placement, bool)

	// Buckets returns the cache keys that show position pos.
	Buckets(pos int64) []string

	// Overview returns keys that must be invalidated after any change.
	Overview() []string
}

// Planner turns the entities touched by a sync pass into an invalidation
// plan: buckets at each origin are refetched, buckets at shifted
// repetitions (both directions) are only invalidated.
type Planner struct {
	proj  Projection
	limit int
}

// NewPlanner creates a Planner. A non-positive limit uses
// DefaultProjectionLimit.
func NewPlanner(proj Projection, limit int) *Planner {
	if limit <= 0 {
		limit = DefaultProjectionLimit
	}
	return &Planner{proj: proj, limit: limit}
}

// Plan computes the deduplicated plan for touched. A key that is both
// refetched and invalidated is only refetched. Keys keep first-seen order.
func (p *Planner) Plan(touched []ir.Touched) ir.Plan {
	refetch := newKeySet()
	invalidate := newKeySet()

	var shifted []int64
	for _, t := range touched {
		if place, ok := p.proj.Place(t.Item); ok {
			refetch.add(p.proj.Buckets(place.Origin)...)
			shifted = p.expand(shifted, place, t.Repetitions)
		}
		if t.Before == nil {
			continue
		}
		// The old position of a moved entity is stale but off screen.
		if place, ok := p.proj.Place(ir.Item{ID: t.Item.ID, Payload: t.Before}); ok {
			shifted = append(shifted, place.Origin)
			shifted = p.expand(shifted, place, 1)
		}
	}

	for _, pos := range shifted {
		invalidate.add(p.proj.Buckets(pos)...)
	}
	invalidate.add(p.proj.Overview()...)

	plan := ir.Plan{Refetch: refetch.keys}
	for _, key := range invalidate.keys {
		if !refetch.has(key) {
			plan.Invalidate = append(plan.Invalidate, key)
		}
	}
	return plan
}

// expand appends the shifted repetitions of place, up to the limit in each
// direction.
func (p *Planner) expand(shifted []int64, place Placement, reps int) []int64 {
	if place.Repetitions > reps {
		reps = place.Repetitions
	}
	if reps <= 1 || place.Stride == 0 {
		return shifted
	}
	n := min(reps-1, p.limit)
	for k := 1; k <= n; k++ {
		offset := int64(k) * place.Stride
		shifted = append(shifted, place.Origin+offset, place.Origin-offset)
	}
	return shifted
}

type keySet struct {
	seen map[string]struct{}
	keys []string
}

func newKeySet() *keySet {
	return &keySet{seen: make(map[string]struct{})}
}

func (s *keySet) add(keys ...string) {
	for _, k := range keys {
		if _, ok := s.seen[k]; ok {
			continue
		}
		s.seen[k] = struct{}{}
		s.keys = append(s.keys, k)
	}
}

func (s *keySet) has(key string) bool {
	_, ok := s.seen[key]
	return ok
}
