package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/outbox/internal/ir"
	"github.com/roach88/outbox/internal/store"
)

// Decoder turns stored canonical JSON back into a typed payload.
// Each entity kind provides one; records are validated when read.
type Decoder interface {
	Kind() ir.Kind
	Decode(data []byte) (ir.Payload, error)
}

// MutationStore is the pending-mutation store for one entity kind.
//
// It sits on top of store.Store and converts between the typed ir values
// and the stored records. Every storage failure is returned as a STORAGE
// SyncError.
//
// Thread-safety: MutationStore is safe for concurrent use. SQLite
// serializes writes (single connection).
type MutationStore struct {
	store  *store.Store
	dec    Decoder
	clock  Clock
	ids    *IDAllocator
	tokens TokenGenerator
}

// NewMutationStore creates a MutationStore for the decoder's kind.
func NewMutationStore(st *store.Store, dec Decoder, clock Clock, tokens TokenGenerator) *MutationStore {
	return &MutationStore{
		store:  st,
		dec:    dec,
		clock:  clock,
		ids:    &IDAllocator{},
		tokens: tokens,
	}
}

// Kind returns the entity kind this store manages.
func (m *MutationStore) Kind() ir.Kind {
	return m.dec.Kind()
}

func (m *MutationStore) kind() string {
	return string(m.dec.Kind())
}

// SaveUpsert records a local create or edit.
//
// With a zero id the payload is a new entity, unless a pending upsert in
// the same scope already carries the payload's external key, in which case
// that record is overwritten. A fresh entity gets a local id and an
// idempotency token. With a non-zero id the existing record is overwritten
// (edit of an edit collapses to one record). Saving an unknown local id is
// an error; saving an unknown remote id starts a pending edit.
func (m *MutationStore) SaveUpsert(ctx context.Context, id ir.EntityID, scope ir.Scope, payload ir.Payload) (ir.PendingUpsert, error) {
	return m.saveUpsert(ctx, id, scope, payload, nil)
}

// SaveEdit records an edit of base, the entity as it was last displayed.
// For a remote entity, base's payload is kept as the position the edit
// moves it from; a later edit of the same entity keeps the first base.
func (m *MutationStore) SaveEdit(ctx context.Context, base ir.Item, scope ir.Scope, payload ir.Payload) (ir.PendingUpsert, error) {
	if base.ID.IsZero() {
		return ir.PendingUpsert{}, fmt.Errorf("save edit: zero id")
	}
	var prev ir.Payload
	if base.ID.IsRemote() && !base.Offline {
		prev = base.Payload
	}
	return m.saveUpsert(ctx, base.ID, scope, payload, prev)
}

func (m *MutationStore) saveUpsert(ctx context.Context, id ir.EntityID, scope ir.Scope, payload ir.Payload, base ir.Payload) (ir.PendingUpsert, error) {
	if payload == nil {
		return ir.PendingUpsert{}, fmt.Errorf("save upsert: nil payload")
	}
	if payload.Kind() != m.dec.Kind() {
		return ir.PendingUpsert{}, fmt.Errorf("save upsert: payload kind %q does not match store kind %q", payload.Kind(), m.dec.Kind())
	}
	if err := payload.Validate(); err != nil {
		return ir.PendingUpsert{}, fmt.Errorf("save upsert: %w", err)
	}

	data, err := ir.MarshalCanonical(payload)
	if err != nil {
		return ir.PendingUpsert{}, fmt.Errorf("save upsert: %w", err)
	}
	hash, err := ir.PayloadHash(payload)
	if err != nil {
		return ir.PendingUpsert{}, fmt.Errorf("save upsert: %w", err)
	}

	var baseData string
	if base != nil && base.Kind() == m.dec.Kind() {
		b, err := ir.MarshalCanonical(base)
		if err != nil {
			return ir.PendingUpsert{}, fmt.Errorf("save upsert: base: %w", err)
		}
		baseData = string(b)
	}

	now := m.clock.Now().UnixMilli()
	rec := store.UpsertRecord{
		Kind:        m.kind(),
		Scope:       scope.String(),
		ExternalKey: payload.ExternalKey(),
		Payload:     string(data),
		PayloadHash: hash,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if id.IsZero() && rec.ExternalKey != "" {
		existing, err := m.store.FindUpsertByExternalKey(ctx, rec.Kind, rec.Scope, rec.ExternalKey)
		switch {
		case err == nil:
			id, err = ir.FromRaw(existing.ID)
			if err != nil {
				return ir.PendingUpsert{}, NewStorageError("save upsert", err)
			}
		case !errors.Is(err, sql.ErrNoRows):
			return ir.PendingUpsert{}, NewStorageError("save upsert", err)
		}
	}

	if id.IsZero() {
		return m.insertNew(ctx, rec, payload)
	}

	existing, err := m.store.GetUpsert(ctx, rec.Kind, id.Raw())
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if id.IsLocal() {
			return ir.PendingUpsert{}, fmt.Errorf("save upsert: local id %s has no pending record", id)
		}
		rec.ID = id.Raw()
		rec.BasePayload = baseData
		if err := m.store.InsertUpsert(ctx, rec); err != nil {
			return ir.PendingUpsert{}, NewStorageError("save upsert", err)
		}
		up := m.toUpsert(rec, payload)
		if baseData != "" {
			up.Base = base
		}
		return up, nil
	case err != nil:
		return ir.PendingUpsert{}, NewStorageError("save upsert", err)
	}

	rec.ID = existing.ID
	rec.CreatedAt = existing.CreatedAt
	rec.IdempotencyKey = existing.IdempotencyKey
	rec.BasePayload = existing.BasePayload
	if rec.BasePayload == "" && rec.ID > 0 {
		rec.BasePayload = baseData
	}
	if existing.PayloadHash == rec.PayloadHash && existing.Scope == rec.Scope && existing.BasePayload == rec.BasePayload {
		rec.UpdatedAt = existing.UpdatedAt
		return m.withBase(rec, payload), nil
	}
	if err := m.store.PutUpsert(ctx, rec); err != nil {
		return ir.PendingUpsert{}, NewStorageError("save upsert", err)
	}
	return m.withBase(rec, payload), nil
}

// withBase is toUpsert plus the decoded base payload. An undecodable base
// only costs the planner the old position, so it is logged and dropped.
func (m *MutationStore) withBase(rec store.UpsertRecord, payload ir.Payload) ir.PendingUpsert {
	up := m.toUpsert(rec, payload)
	up.Base = m.decodeSnapshot(rec.BasePayload, rec.ID)
	return up
}

// decodeSnapshot decodes a stored last-known payload. Empty or invalid
// data yields nil.
func (m *MutationStore) decodeSnapshot(data string, id int64) ir.Payload {
	if data == "" {
		return nil
	}
	p, err := m.dec.Decode([]byte(data))
	if err != nil {
		slog.Warn("ignoring unreadable snapshot", "kind", m.kind(), "id", id, "error", err)
		return nil
	}
	return p
}

func (m *MutationStore) insertNew(ctx context.Context, rec store.UpsertRecord, payload ir.Payload) (ir.PendingUpsert, error) {
	id := m.ids.Allocate(rec.CreatedAt)
	rec.ID = id.Raw()
	rec.IdempotencyKey = m.tokens.Generate()
	if err := m.store.InsertUpsert(ctx, rec); err != nil {
		return ir.PendingUpsert{}, NewStorageError("save upsert", err)
	}
	slog.Debug("pending create recorded", "scope", rec.Scope, "id", rec.ID)
	return m.toUpsert(rec, payload), nil
}

func (m *MutationStore) toUpsert(rec store.UpsertRecord, payload ir.Payload) ir.PendingUpsert {
	id, _ := ir.FromRaw(rec.ID)
	scope, _ := ir.ParseScope(rec.Scope)
	return ir.PendingUpsert{
		ID:             id,
		Scope:          scope,
		Payload:        payload,
		IdempotencyKey: rec.IdempotencyKey,
		PayloadHash:    rec.PayloadHash,
		CreatedAt:      time.UnixMilli(rec.CreatedAt),
		UpdatedAt:      time.UnixMilli(rec.UpdatedAt),
	}
}

// decodeUpsert validates a stored record at the edge.
func (m *MutationStore) decodeUpsert(rec store.UpsertRecord) (ir.PendingUpsert, error) {
	id, err := ir.FromRaw(rec.ID)
	if err != nil {
		return ir.PendingUpsert{}, err
	}
	if _, err := ir.ParseScope(rec.Scope); err != nil {
		return ir.PendingUpsert{}, err
	}
	payload, err := m.dec.Decode([]byte(rec.Payload))
	if err != nil {
		return ir.PendingUpsert{}, fmt.Errorf("decode pending upsert %s: %w", id, err)
	}
	if err := payload.Validate(); err != nil {
		return ir.PendingUpsert{}, fmt.Errorf("decode pending upsert %s: %w", id, err)
	}
	return m.withBase(rec, payload), nil
}

// DeleteUpsert removes a pending upsert. Absent records are not an error.
func (m *MutationStore) DeleteUpsert(ctx context.Context, id ir.EntityID) error {
	if err := m.store.DeleteUpsert(ctx, m.kind(), id.Raw()); err != nil {
		return NewStorageError("delete upsert", err)
	}
	return nil
}

// settleUpsert clears u after the authority answered for it. A record that
// was edited since u was read is kept; if u was a create that now has
// remoteID, the kept record becomes a pending edit of remoteID. Reports
// whether the record was removed.
func (m *MutationStore) settleUpsert(ctx context.Context, u ir.PendingUpsert, remoteID ir.EntityID) (bool, error) {
	removed, err := m.store.DeleteUpsertIfHash(ctx, m.kind(), u.ID.Raw(), u.PayloadHash)
	if err != nil {
		return false, NewStorageError("settle upsert", err)
	}
	if removed || !u.ID.IsLocal() || !remoteID.IsRemote() {
		return removed, nil
	}
	// The authority now holds u's payload; that is where a later edit
	// moves the entity from.
	base, err := ir.MarshalCanonical(u.Payload)
	if err != nil {
		return false, NewStorageError("settle upsert", err)
	}
	if err := m.store.RekeyUpsert(ctx, m.kind(), u.ID.Raw(), remoteID.Raw(), string(base)); err != nil {
		return false, NewStorageError("settle upsert", err)
	}
	return false, nil
}

// GetUpsert returns the pending upsert for id, if any.
func (m *MutationStore) GetUpsert(ctx context.Context, id ir.EntityID) (ir.PendingUpsert, bool, error) {
	rec, err := m.store.GetUpsert(ctx, m.kind(), id.Raw())
	if errors.Is(err, sql.ErrNoRows) {
		return ir.PendingUpsert{}, false, nil
	}
	if err != nil {
		return ir.PendingUpsert{}, false, NewStorageError("get upsert", err)
	}
	up, err := m.decodeUpsert(rec)
	if err != nil {
		return ir.PendingUpsert{}, false, NewStorageError("get upsert", err)
	}
	return up, true, nil
}

// ListUpserts returns pending upserts in creation order. A zero scope
// lists every scope.
func (m *MutationStore) ListUpserts(ctx context.Context, scope ir.Scope) ([]ir.PendingUpsert, error) {
	recs, err := m.store.ListUpserts(ctx, m.kind(), scopeFilter(scope))
	if err != nil {
		return nil, NewStorageError("list upserts", err)
	}
	out := make([]ir.PendingUpsert, 0, len(recs))
	for _, rec := range recs {
		up, err := m.decodeUpsert(rec)
		if err != nil {
			return nil, NewStorageError("list upserts", err)
		}
		out = append(out, up)
	}
	return out, nil
}

// MarkDeleted tombstones a remote entity. Marking twice overwrites.
//
// A local id never reaches the remote, so its pending create is removed
// instead of tombstoned. The tombstone carries no snapshot; use
// MarkItemDeleted when the entity's payload is at hand.
func (m *MutationStore) MarkDeleted(ctx context.Context, id ir.EntityID, scope ir.Scope, displayName string, cascade bool) error {
	return m.markDeleted(ctx, id, scope, displayName, cascade, nil)
}

// MarkItemDeleted tombstones item, keeping its payload so the sync pass
// can find the buckets that displayed it.
func (m *MutationStore) MarkItemDeleted(ctx context.Context, item ir.Item, scope ir.Scope, cascade bool) error {
	var name string
	if item.Payload != nil {
		name = item.Payload.DisplayName()
	}
	return m.markDeleted(ctx, item.ID, scope, name, cascade, item.Payload)
}

func (m *MutationStore) markDeleted(ctx context.Context, id ir.EntityID, scope ir.Scope, displayName string, cascade bool, snapshot ir.Payload) error {
	if id.IsZero() {
		return fmt.Errorf("mark deleted: zero id")
	}
	if id.IsLocal() {
		return m.DeleteUpsert(ctx, id)
	}
	rec := store.DeleteRecord{
		Kind:        m.kind(),
		ID:          id.Raw(),
		Scope:       scope.String(),
		DisplayName: displayName,
		Cascade:     cascade,
		RequestedAt: m.clock.Now().UnixMilli(),
	}
	if snapshot != nil && snapshot.Kind() == m.dec.Kind() {
		data, err := ir.MarshalCanonical(snapshot)
		if err != nil {
			return fmt.Errorf("mark deleted: %w", err)
		}
		rec.Snapshot = string(data)
	}
	if err := m.store.PutDelete(ctx, rec); err != nil {
		return NewStorageError("mark deleted", err)
	}
	return nil
}

// rememberRemote stores item's payload as the last-known position of a
// tombstone or pending edit that has none yet.
func (m *MutationStore) rememberRemote(ctx context.Context, item ir.Item, deleted, edited bool) error {
	if item.Payload == nil || item.Payload.Kind() != m.dec.Kind() {
		return nil
	}
	data, err := ir.MarshalCanonical(item.Payload)
	if err != nil {
		return err
	}
	if deleted {
		if _, err := m.store.FillDeleteSnapshot(ctx, m.kind(), item.ID.Raw(), string(data)); err != nil {
			return NewStorageError("remember remote", err)
		}
	}
	if edited {
		if _, err := m.store.FillUpsertBase(ctx, m.kind(), item.ID.Raw(), string(data)); err != nil {
			return NewStorageError("remember remote", err)
		}
	}
	return nil
}

// UnmarkDeleted removes a tombstone and reports whether one existed.
// false means the delete was already synced; the caller tells the user.
func (m *MutationStore) UnmarkDeleted(ctx context.Context, id ir.EntityID) (bool, error) {
	if !id.IsRemote() {
		return false, nil
	}
	removed, err := m.store.RemoveDelete(ctx, m.kind(), id.Raw())
	if err != nil {
		return false, NewStorageError("unmark deleted", err)
	}
	return removed, nil
}

// ListDeleted returns tombstones in request order. A zero scope lists
// every scope.
func (m *MutationStore) ListDeleted(ctx context.Context, scope ir.Scope) ([]ir.PendingDelete, error) {
	recs, err := m.store.ListDeletes(ctx, m.kind(), scopeFilter(scope))
	if err != nil {
		return nil, NewStorageError("list deleted", err)
	}
	out := make([]ir.PendingDelete, 0, len(recs))
	for _, rec := range recs {
		sc, err := ir.ParseScope(rec.Scope)
		if err != nil {
			return nil, NewStorageError("list deleted", err)
		}
		out = append(out, ir.PendingDelete{
			ID:          ir.RemoteID(rec.ID),
			Scope:       sc,
			DisplayName: rec.DisplayName,
			Cascade:     rec.Cascade,
			RequestedAt: time.UnixMilli(rec.RequestedAt),
			Snapshot:    m.decodeSnapshot(rec.Snapshot, rec.ID),
		})
	}
	return out, nil
}

// Counts returns pending upsert and delete counts. A zero scope counts
// every scope.
func (m *MutationStore) Counts(ctx context.Context, scope ir.Scope) (store.Counts, error) {
	c, err := m.store.CountPending(ctx, m.kind(), scopeFilter(scope))
	if err != nil {
		return store.Counts{}, NewStorageError("count pending", err)
	}
	return c, nil
}

// HasPending reports whether any upsert or delete is waiting.
func (m *MutationStore) HasPending(ctx context.Context, scope ir.Scope) (bool, error) {
	c, err := m.Counts(ctx, scope)
	if err != nil {
		return false, err
	}
	return c.Total() > 0, nil
}

func scopeFilter(scope ir.Scope) string {
	if scope.IsZero() {
		return ""
	}
	return scope.String()
}
