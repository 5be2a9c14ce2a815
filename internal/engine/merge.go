package engine

import (
	"slices"

	"github.com/roach88/outbox/internal/ir"
)

// Window selects which pending upserts belong in a view.
type Window interface {
	Contains(p ir.Payload) bool
}

// WindowFunc adapts a function to Window.
type WindowFunc func(p ir.Payload) bool

// Contains calls f(p).
func (f WindowFunc) Contains(p ir.Payload) bool { return f(p) }

// Everything is the window that admits every pending upsert.
var Everything Window = WindowFunc(func(ir.Payload) bool { return true })

// Merge composites authoritative remote items with pending local state.
//
//  1. Items previously appended as offline, or carrying a local id, are
//     dropped; they are rebuilt from the pending upserts below.
//  2. Remote items whose id has a tombstone are marked Deleted.
//  3. Remote items with a pending edit of the same remote id are dropped;
//     the pending payload replaces them.
//  4. Pending upserts inside window are appended as Offline.
//  5. The result is stable-sorted with compare.
//
// Merging the output again with the same pending state returns the same
// list, so views can re-merge on every filter change.
func Merge(remote []ir.Item, upserts []ir.PendingUpsert, deletes []ir.PendingDelete, window Window, compare func(a, b ir.Item) int) []ir.Item {
	if window == nil {
		window = Everything
	}

	tombstoned := make(map[ir.EntityID]bool, len(deletes))
	for _, d := range deletes {
		tombstoned[d.ID] = true
	}
	edited := make(map[ir.EntityID]bool, len(upserts))
	for _, u := range upserts {
		if u.ID.IsRemote() {
			edited[u.ID] = true
		}
	}

	out := make([]ir.Item, 0, len(remote)+len(upserts))
	for _, item := range remote {
		if item.Offline || !item.ID.IsRemote() {
			continue
		}
		if edited[item.ID] {
			continue
		}
		item.Deleted = tombstoned[item.ID]
		out = append(out, item)
	}

	for _, u := range upserts {
		if u.Payload == nil || !window.Contains(u.Payload) {
			continue
		}
		out = append(out, ir.Item{
			ID:      u.ID,
			Payload: u.Payload,
			Deleted: tombstoned[u.ID],
			Offline: true,
		})
	}

	if compare != nil {
		slices.SortStableFunc(out, compare)
	}
	return out
}
