package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/outbox/internal/ir"
)

// LockRenewer is the remote edit lock behind an EditSession. Every call
// returns the lock's current version stamp.
type LockRenewer interface {
	Acquire(ctx context.Context, scope ir.Scope) (version int64, err error)
	Renew(ctx context.Context, scope ir.Scope) (version int64, err error)
	Release(ctx context.Context, scope ir.Scope) error
}

// EditSession protects one long-lived edit against a second editor.
//
// The session holds the local EditBlock for its scope and periodically
// renews a remote lock. When a renewal returns a version different from
// the one the session started with, someone else took the lock and the
// session reports VERSION_CONFLICT.
type EditSession struct {
	scope   ir.Scope
	renewer LockRenewer
	version int64
	release func()

	mu      sync.Mutex
	closed  bool
	stop    chan struct{}
	stopped chan struct{}
}

// StartEditSession blocks scope in edits and acquires the remote lock.
func StartEditSession(ctx context.Context, edits *EditBlock, renewer LockRenewer, scope ir.Scope) (*EditSession, error) {
	release := edits.Block(scope.String())
	version, err := renewer.Acquire(ctx, scope)
	if err != nil {
		release()
		return nil, fmt.Errorf("acquire edit lock: %w", err)
	}
	return &EditSession{
		scope:   scope,
		renewer: renewer,
		version: version,
		release: release,
	}, nil
}

// Scope returns the edited scope.
func (s *EditSession) Scope() ir.Scope { return s.scope }

// Version returns the version stamp the session started with.
func (s *EditSession) Version() int64 { return s.version }

// Renew renews the remote lock. It returns a VERSION_CONFLICT error if the
// version moved; other errors are transport failures and leave the
// session usable.
func (s *EditSession) Renew(ctx context.Context) (int64, error) {
	got, err := s.renewer.Renew(ctx, s.scope)
	if err != nil {
		return 0, fmt.Errorf("renew edit lock: %w", err)
	}
	if got != s.version {
		return got, NewVersionConflictError(s.scope, s.version, got)
	}
	return got, nil
}

// Keepalive renews the lock every interval until the session is closed,
// ctx is done, or a conflict is found. A conflict is passed to onConflict
// once and stops the loop.
func (s *EditSession) Keepalive(ctx context.Context, interval time.Duration, onConflict func(error)) {
	s.mu.Lock()
	if s.closed || s.stop != nil {
		s.mu.Unlock()
		return
	}
	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})
	stop, stopped := s.stop, s.stopped
	s.mu.Unlock()

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				_, err := s.Renew(ctx)
				if err == nil {
					continue
				}
				if IsVersionConflict(err) {
					if onConflict != nil {
						onConflict(err)
					}
					return
				}
				slog.Warn("edit lock renewal failed", "scope", s.scope.String(), "error", err)
			}
		}
	}()
}

// Close stops the keepalive, releases the remote lock and unblocks the
// scope. Idempotent.
func (s *EditSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stop, stopped := s.stop, s.stopped
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-stopped
	}
	defer s.release()

	if err := s.renewer.Release(ctx, s.scope); err != nil {
		return fmt.Errorf("release edit lock: %w", err)
	}
	return nil
}
