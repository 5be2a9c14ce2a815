package wiki

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/roach88/outbox/internal/engine"
	"github.com/roach88/outbox/internal/ir"
)

// Overview keys.
const (
	TreeKey   = "tree"
	RecentKey = "recent"
)

// Adapter plugs wiki pages into the engine.
//
// Thread-safety: a collate.Collator keeps scratch buffers, so Compare
// serializes on a mutex.
type Adapter struct {
	mu       *sync.Mutex
	collator *collate.Collator
}

var _ engine.Adapter = Adapter{}

// NewAdapter creates an Adapter that orders titles for lang.
func NewAdapter(lang language.Tag) Adapter {
	return Adapter{
		mu:       &sync.Mutex{},
		collator: collate.New(lang, collate.IgnoreCase, collate.Numeric),
	}
}

// Kind implements engine.Decoder.
func (a Adapter) Kind() ir.Kind { return Kind }

// Decode parses and validates a page.
func (a Adapter) Decode(data []byte) (ir.Payload, error) {
	var p Page
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Compare orders pages by parent, then by collated title.
func (a Adapter) Compare(x, y ir.Item) int {
	px, _ := x.Payload.(Page)
	py, _ := y.Payload.(Page)
	if c := cmp.Compare(px.ParentID, py.ParentID); c != 0 {
		return c
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.collator.CompareString(px.Title, py.Title)
}

// Place positions a page under its parent. Pages never repeat.
func (a Adapter) Place(item ir.Item) (engine.Placement, bool) {
	p, ok := item.Payload.(Page)
	if !ok {
		return engine.Placement{}, false
	}
	return engine.Placement{Origin: p.ParentID, Repetitions: 1}, true
}

// Buckets returns the child list of parent pos.
func (a Adapter) Buckets(pos int64) []string {
	return []string{TreeBucket(pos)}
}

// Overview implements engine.Projection.
func (a Adapter) Overview() []string {
	return []string{TreeKey, RecentKey}
}

// TreeBucket is the cache key of the children of parent.
func TreeBucket(parent int64) string {
	return fmt.Sprintf("tree:%d", parent)
}
