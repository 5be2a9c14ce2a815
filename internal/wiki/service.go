package wiki

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/text/language"

	"github.com/roach88/outbox/internal/engine"
	"github.com/roach88/outbox/internal/ir"
	"github.com/roach88/outbox/internal/store"
)

// Lister fetches the authoritative pages of a scope.
type Lister interface {
	List(ctx context.Context, scope ir.Scope) ([]ir.Item, error)
}

// Service is the wiki-facing API over the offline engine.
type Service struct {
	eng    *engine.Engine
	lister Lister
}

// NewService creates a wiki Service ordering titles for lang.
func NewService(st *store.Store, remote engine.RemoteAuthority, lister Lister, lang language.Tag, opts ...engine.Option) *Service {
	return &Service{
		eng:    engine.New(st, remote, NewAdapter(lang), opts...),
		lister: lister,
	}
}

// Engine exposes the underlying engine.
func (s *Service) Engine() *engine.Engine { return s.eng }

// AddPage records a new page.
func (s *Service) AddPage(ctx context.Context, p Page) (ir.PendingUpsert, error) {
	return s.eng.Mutations().SaveUpsert(ctx, ir.EntityID{}, ScopeFor(p.WikiID), p)
}

// DeletePage tombstones a page; withChildren removes its subtree too.
func (s *Service) DeletePage(ctx context.Context, id ir.EntityID, wikiID int64, title string, withChildren bool) error {
	return s.eng.Mutations().MarkDeleted(ctx, id, ScopeFor(wikiID), title, withChildren)
}

// Tree returns the merged, collated page list of a wiki.
func (s *Service) Tree(ctx context.Context, wikiID int64) ([]ir.Item, error) {
	scope := ScopeFor(wikiID)
	return s.eng.MergedView(ctx, scope, engine.Everything, func(ctx context.Context) ([]ir.Item, error) {
		return s.lister.List(ctx, scope)
	})
}

// Children returns the merged view of the children of parent.
func (s *Service) Children(ctx context.Context, wikiID, parent int64) ([]ir.Item, error) {
	all, err := s.Tree(ctx, wikiID)
	if err != nil {
		return nil, err
	}
	var out []ir.Item
	for _, it := range all {
		if p, ok := it.Payload.(Page); ok && p.ParentID == parent {
			out = append(out, it)
		}
	}
	return out, nil
}

// Sync replays the pending changes of a wiki.
func (s *Service) Sync(ctx context.Context, wikiID int64, force bool) (ir.SyncResult, error) {
	return s.eng.RequestSync(ctx, ScopeFor(wikiID), force)
}

// Editor is an open page editor. While it is open the wiki does not sync
// and the remote edit lock is renewed in the background. If another
// editor takes the lock, saving fails with VERSION_CONFLICT.
type Editor struct {
	svc     *Service
	id      ir.EntityID
	session *engine.EditSession

	mu       sync.Mutex
	conflict error
}

// OpenEditor starts editing page id of wiki wikiID, renewing the lock every
// interval.
func (s *Service) OpenEditor(ctx context.Context, renewer engine.LockRenewer, wikiID int64, id ir.EntityID, interval time.Duration) (*Editor, error) {
	session, err := s.eng.StartEditSession(ctx, renewer, ScopeFor(wikiID))
	if err != nil {
		return nil, err
	}
	ed := &Editor{svc: s, id: id, session: session}
	session.Keepalive(context.WithoutCancel(ctx), interval, ed.setConflict)
	return ed, nil
}

func (ed *Editor) setConflict(err error) {
	ed.mu.Lock()
	defer ed.mu.Unlock()
	ed.conflict = err
}

// Conflict returns the VERSION_CONFLICT seen by the keepalive, if any.
func (ed *Editor) Conflict() error {
	ed.mu.Lock()
	defer ed.mu.Unlock()
	return ed.conflict
}

// Save records the edited page unless the lock was lost.
func (ed *Editor) Save(ctx context.Context, p Page) (ir.PendingUpsert, error) {
	if err := ed.Conflict(); err != nil {
		return ir.PendingUpsert{}, err
	}
	if p.WikiID != 0 && ScopeFor(p.WikiID) != ed.session.Scope() {
		return ir.PendingUpsert{}, fmt.Errorf("save page: page belongs to %s, editor holds %s", ScopeFor(p.WikiID), ed.session.Scope())
	}
	up, err := ed.svc.eng.Mutations().SaveUpsert(ctx, ed.id, ed.session.Scope(), p)
	if err != nil {
		return ir.PendingUpsert{}, err
	}
	ed.id = up.ID
	return up, nil
}

// Close stops the keepalive, releases the lock, and lets the wiki sync.
func (ed *Editor) Close(ctx context.Context) error {
	return ed.session.Close(ctx)
}
