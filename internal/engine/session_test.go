package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/outbox/internal/engine"
	"github.com/roach88/outbox/internal/ir"
)

type fakeLock struct {
	mu       sync.Mutex
	version  int64
	renewals int
	released bool
	fail     error
}

func (l *fakeLock) Acquire(context.Context, ir.Scope) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version, l.fail
}

func (l *fakeLock) Renew(context.Context, ir.Scope) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.renewals++
	return l.version, l.fail
}

func (l *fakeLock) Release(context.Context, ir.Scope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = true
	return nil
}

func (l *fakeLock) steal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.version++
}

func TestEditSession_BlocksSyncUntilClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lock := &fakeLock{version: 3}

	session, err := f.engine.StartEditSession(ctx, lock, scopeA)
	require.NoError(t, err)
	assert.Equal(t, int64(3), session.Version())

	_, err = f.engine.RequestSync(ctx, scopeA, true)
	assert.True(t, engine.IsSyncBlocked(err))

	require.NoError(t, session.Close(ctx))
	require.NoError(t, session.Close(ctx))
	assert.True(t, lock.released)

	_, err = f.engine.RequestSync(ctx, scopeA, true)
	assert.NoError(t, err)
}

func TestEditSession_RenewDetectsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lock := &fakeLock{version: 1}

	session, err := f.engine.StartEditSession(ctx, lock, scopeA)
	require.NoError(t, err)
	defer session.Close(ctx)

	v, err := session.Renew(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	lock.steal()
	v, err = session.Renew(ctx)
	require.Error(t, err)
	assert.True(t, engine.IsVersionConflict(err))
	assert.Equal(t, int64(2), v)
}

func TestEditSession_AcquireFailureReleasesBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lock := &fakeLock{fail: errors.New("locked by someone else")}

	_, err := f.engine.StartEditSession(ctx, lock, scopeA)
	require.Error(t, err)

	_, err = f.engine.RequestSync(ctx, scopeA, true)
	assert.NoError(t, err, "failed session must not leave the scope blocked")
}

func TestEditSession_KeepaliveReportsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lock := &fakeLock{version: 1}

	session, err := f.engine.StartEditSession(ctx, lock, scopeA)
	require.NoError(t, err)
	defer session.Close(ctx)

	conflicts := make(chan error, 1)
	session.Keepalive(ctx, 5*time.Millisecond, func(err error) { conflicts <- err })

	lock.steal()
	select {
	case err := <-conflicts:
		assert.True(t, engine.IsVersionConflict(err))
	case <-time.After(time.Second):
		t.Fatal("keepalive did not report the conflict")
	}
}

func TestEditSession_CloseStopsKeepalive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lock := &fakeLock{version: 1}

	session, err := f.engine.StartEditSession(ctx, lock, scopeA)
	require.NoError(t, err)
	session.Keepalive(ctx, time.Millisecond, nil)
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, session.Close(ctx))
	lock.mu.Lock()
	renewals := lock.renewals
	lock.mu.Unlock()

	time.Sleep(10 * time.Millisecond)
	lock.mu.Lock()
	defer lock.mu.Unlock()
	assert.Equal(t, renewals, lock.renewals, "no renewals after Close")
}
