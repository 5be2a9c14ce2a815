package engine

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/roach88/outbox/internal/ir"
	"github.com/roach88/outbox/internal/store"
)

// NoteKind is a minimal entity kind used by the engine tests: a titled
// note pinned to a day, optionally repeating every Every days.
const NoteKind ir.Kind = "test.note"

type Note struct {
	Title string `json:"title"`
	Day   int64  `json:"day"`
	Every int64  `json:"every,omitempty"`
	Count int    `json:"count,omitempty"`
}

func (n Note) Kind() ir.Kind       { return NoteKind }
func (n Note) DisplayName() string { return n.Title }
func (n Note) ExternalKey() string { return n.Title }
func (n Note) Repetitions() int    { return n.Count }

func (n Note) Validate() error {
	if n.Title == "" {
		return errors.New("note: title is required")
	}
	return nil
}

type NoteAdapter struct{}

func (NoteAdapter) Kind() ir.Kind { return NoteKind }

func (NoteAdapter) Decode(data []byte) (ir.Payload, error) {
	var n Note
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	return n, nil
}

func (NoteAdapter) Place(item ir.Item) (Placement, bool) {
	n, ok := item.Payload.(Note)
	if !ok {
		return Placement{}, false
	}
	return Placement{Origin: n.Day, Stride: n.Every, Repetitions: n.Count}, true
}

func (NoteAdapter) Buckets(pos int64) []string {
	return []string{fmt.Sprintf("day:%d", pos)}
}

func (NoteAdapter) Overview() []string {
	return []string{"upcoming"}
}

func (NoteAdapter) Compare(a, b ir.Item) int {
	return cmp.Compare(a.Payload.(Note).Day, b.Payload.(Note).Day)
}

func NoteScope(key string) ir.Scope {
	return ir.Scope{Kind: NoteKind, Key: key}
}

// NewTestStore opens a fresh SQLite store in a temp directory.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
