package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/outbox/internal/engine"
	"github.com/roach88/outbox/internal/ir"
)

type stubPayload struct {
	Title string `json:"title"`
}

func (p stubPayload) Kind() ir.Kind       { return "test.stub" }
func (p stubPayload) DisplayName() string { return p.Title }
func (p stubPayload) ExternalKey() string { return p.Title }
func (p stubPayload) Validate() error     { return nil }

var stubScope = ir.Scope{Kind: "test.stub", Key: "list:1"}

func TestFakeAuthority_CreateAssignsIDs(t *testing.T) {
	f := NewFakeAuthority(501)
	ctx := context.Background()

	a, err := f.Submit(ctx, ir.Submission{Op: ir.OpCreate, Scope: stubScope, Payload: stubPayload{Title: "A"}})
	require.NoError(t, err)
	b, err := f.Submit(ctx, ir.Submission{Op: ir.OpCreate, Scope: stubScope, Payload: stubPayload{Title: "B"}})
	require.NoError(t, err)

	assert.Equal(t, ir.RemoteID(501), a.ID)
	assert.Equal(t, ir.RemoteID(502), b.ID)

	items, err := f.List(ctx, stubScope)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestFakeAuthority_IdempotencyKeyCollapsesCreates(t *testing.T) {
	f := NewFakeAuthority(1)
	ctx := context.Background()
	sub := ir.Submission{Op: ir.OpCreate, Scope: stubScope, Payload: stubPayload{Title: "A"}, IdempotencyKey: "tok-1"}

	first, err := f.Submit(ctx, sub)
	require.NoError(t, err)
	second, err := f.Submit(ctx, sub)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	items, err := f.List(ctx, stubScope)
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, 2, f.CallCount(ir.OpCreate))
}

func TestFakeAuthority_Offline(t *testing.T) {
	f := NewFakeAuthority(1)
	f.SetOnline(false)

	_, err := f.Submit(context.Background(), ir.Submission{Op: ir.OpCreate, Scope: stubScope, Payload: stubPayload{Title: "A"}})
	require.Error(t, err)
	assert.True(t, engine.IsUnreachable(err))
	assert.False(t, engine.IsRejected(err))
	assert.ErrorIs(t, err, ErrOffline)

	_, err = f.List(context.Background(), stubScope)
	assert.ErrorIs(t, err, ErrOffline)
}

func TestFakeAuthority_RejectsUnknownAndRules(t *testing.T) {
	f := NewFakeAuthority(1)
	ctx := context.Background()

	_, err := f.Submit(ctx, ir.Submission{Op: ir.OpDelete, ID: ir.RemoteID(42), DisplayName: "Meeting"})
	assert.True(t, engine.IsRejected(err))

	f.Reject(func(sub ir.Submission) string {
		if sub.DisplayName == "bad" {
			return "title not allowed"
		}
		return ""
	})
	_, err = f.Submit(ctx, ir.Submission{Op: ir.OpCreate, Scope: stubScope, DisplayName: "bad", Payload: stubPayload{Title: "bad"}})
	require.Error(t, err)
	assert.True(t, engine.IsRejected(err))
	assert.Contains(t, err.Error(), "title not allowed")

	f.ClearRejects()
	_, err = f.Submit(ctx, ir.Submission{Op: ir.OpCreate, Scope: stubScope, DisplayName: "bad", Payload: stubPayload{Title: "bad"}})
	assert.NoError(t, err)
}

func TestFakeAuthority_FailIsTransientAndPerSubmission(t *testing.T) {
	f := NewFakeAuthority(1)
	ctx := context.Background()
	f.Fail(func(sub ir.Submission) string {
		if sub.DisplayName == "B" {
			return "connection reset"
		}
		return ""
	})

	_, err := f.Submit(ctx, ir.Submission{Op: ir.OpCreate, Scope: stubScope, Payload: stubPayload{Title: "A"}, DisplayName: "A"})
	require.NoError(t, err)

	_, err = f.Submit(ctx, ir.Submission{Op: ir.OpCreate, Scope: stubScope, Payload: stubPayload{Title: "B"}, DisplayName: "B"})
	require.Error(t, err)
	assert.True(t, engine.IsUnreachable(err))
	assert.False(t, engine.IsRejected(err))

	f.ClearFailures()
	_, err = f.Submit(ctx, ir.Submission{Op: ir.OpCreate, Scope: stubScope, Payload: stubPayload{Title: "B"}, DisplayName: "B"})
	require.NoError(t, err)
}

func TestMemoryCache_Apply(t *testing.T) {
	c := NewMemoryCache()
	c.Put("day:1", "day:8", "upcoming")

	require.NoError(t, c.Apply(context.Background(), ir.Plan{
		Refetch:    []string{"day:1"},
		Invalidate: []string{"day:8", "upcoming"},
	}))

	assert.True(t, c.Has("day:1"))
	assert.Equal(t, 2, c.Fetches("day:1"))
	assert.False(t, c.Has("day:8"))
	assert.False(t, c.Has("upcoming"))
	assert.Len(t, c.Plans(), 1)
}
