package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// ErrDuplicate is returned by InsertUpsert when the id or the
// (scope, external_key) pair is already taken.
var ErrDuplicate = errors.New("pending upsert already exists")

// UpsertRecord is the stored form of a pending create or edit.
type UpsertRecord struct {
	Kind           string
	ID             int64 // raw entity id, negative for local ids
	Scope          string
	ExternalKey    string
	Payload        string // canonical JSON
	PayloadHash    string
	IdempotencyKey string
	CreatedAt      int64 // unix millis
	UpdatedAt      int64 // unix millis
	// BasePayload is the remote payload an edit started from, empty when
	// unknown or for creates.
	BasePayload string
}

// DeleteRecord is the stored form of a tombstone.
type DeleteRecord struct {
	Kind        string
	ID          int64 // always > 0
	Scope       string
	DisplayName string
	Cascade     bool
	RequestedAt int64 // unix millis
	// Snapshot is the last-known payload of the deleted entity, empty when
	// unknown.
	Snapshot string
}

// Counts is the number of pending records in a scope.
type Counts struct {
	Upserts int
	Deletes int
}

// Total returns Upserts + Deletes.
func (c Counts) Total() int {
	return c.Upserts + c.Deletes
}

const upsertColumns = `kind, id, scope, external_key, payload, payload_hash, idempotency_key, created_at, updated_at, base_payload`

// PutUpsert inserts a pending upsert or overwrites the one with the same
// (kind, id). On overwrite, created_at and idempotency_key keep their
// original values so retries of the same create stay recognizable, and an
// existing base_payload is kept since it is where the entity was first seen.
func (s *Store) PutUpsert(ctx context.Context, rec UpsertRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_upserts (`+upsertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			scope        = excluded.scope,
			external_key = excluded.external_key,
			payload      = excluded.payload,
			payload_hash = excluded.payload_hash,
			updated_at   = excluded.updated_at,
			base_payload = CASE WHEN pending_upserts.base_payload = ''
				THEN excluded.base_payload ELSE pending_upserts.base_payload END
	`,
		rec.Kind,
		rec.ID,
		rec.Scope,
		rec.ExternalKey,
		rec.Payload,
		rec.PayloadHash,
		rec.IdempotencyKey,
		rec.CreatedAt,
		rec.UpdatedAt,
		rec.BasePayload,
	)
	if err != nil {
		return fmt.Errorf("put upsert: %w", err)
	}
	return nil
}

// InsertUpsert inserts a new pending upsert. Unlike PutUpsert it never
// overwrites: a collision on the primary key or on the external key
// returns ErrDuplicate.
func (s *Store) InsertUpsert(ctx context.Context, rec UpsertRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_upserts (`+upsertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.Kind,
		rec.ID,
		rec.Scope,
		rec.ExternalKey,
		rec.Payload,
		rec.PayloadHash,
		rec.IdempotencyKey,
		rec.CreatedAt,
		rec.UpdatedAt,
		rec.BasePayload,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("insert upsert %d: %w", rec.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert upsert: %w", err)
	}
	return nil
}

// GetUpsert retrieves a pending upsert by id.
// Returns sql.ErrNoRows if not found.
func (s *Store) GetUpsert(ctx context.Context, kind string, id int64) (UpsertRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+upsertColumns+`
		FROM pending_upserts
		WHERE kind = ? AND id = ?
	`, kind, id)
	return scanUpsert(row)
}

// FindUpsertByExternalKey retrieves the pending upsert for a logical item
// whose id the caller does not know.
// Returns sql.ErrNoRows if not found.
func (s *Store) FindUpsertByExternalKey(ctx context.Context, kind, scope, externalKey string) (UpsertRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+upsertColumns+`
		FROM pending_upserts
		WHERE kind = ? AND scope = ? AND external_key = ? AND external_key != ''
	`, kind, scope, externalKey)
	return scanUpsert(row)
}

// ListUpserts returns pending upserts of a kind, optionally restricted to a
// scope (empty scope lists all). Ordered by creation time, then id.
func (s *Store) ListUpserts(ctx context.Context, kind, scope string) ([]UpsertRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+upsertColumns+`
		FROM pending_upserts
		WHERE kind = ? AND (? = '' OR scope = ?)
		ORDER BY created_at ASC, id ASC
	`, kind, scope, scope)
	if err != nil {
		return nil, fmt.Errorf("query upserts: %w", err)
	}
	defer rows.Close()

	records := []UpsertRecord{}
	for rows.Next() {
		rec, err := scanUpsert(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate upserts: %w", err)
	}
	return records, nil
}

// DeleteUpsert removes a pending upsert. Deleting an absent record is not an error.
func (s *Store) DeleteUpsert(ctx context.Context, kind string, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_upserts WHERE kind = ? AND id = ?`, kind, id); err != nil {
		return fmt.Errorf("delete upsert: %w", err)
	}
	return nil
}

// DeleteUpsertIfHash removes a pending upsert only while it still holds the
// payload with the given hash. Reports whether a record was removed; false
// means the record is gone or was edited since it was read.
func (s *Store) DeleteUpsertIfHash(ctx context.Context, kind string, id int64, payloadHash string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_upserts
		WHERE kind = ? AND id = ? AND payload_hash = ?
	`, kind, id, payloadHash)
	if err != nil {
		return false, fmt.Errorf("delete upsert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete upsert: rows affected: %w", err)
	}
	return n > 0, nil
}

// RekeyUpsert moves a pending create to the remote id the authority
// assigned, turning it into a pending edit. The idempotency key is cleared
// since the create has been applied, and base becomes the edit's base
// payload (what the authority now holds).
func (s *Store) RekeyUpsert(ctx context.Context, kind string, fromID, toID int64, base string) error {
	if toID <= 0 {
		return fmt.Errorf("rekey upsert: id %d is not a remote id", toID)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_upserts SET id = ?, idempotency_key = '', base_payload = ?
		WHERE kind = ? AND id = ?
	`, toID, base, kind, fromID)
	if err != nil {
		return fmt.Errorf("rekey upsert: %w", err)
	}
	return nil
}

// PutDelete records a tombstone, overwriting any existing one for the same id.
// An empty Snapshot keeps the one already stored.
func (s *Store) PutDelete(ctx context.Context, rec DeleteRecord) error {
	if rec.ID <= 0 {
		return fmt.Errorf("put delete: id %d is not a remote id", rec.ID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_deletes (kind, id, scope, display_name, cascade_all, requested_at, snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			scope        = excluded.scope,
			display_name = excluded.display_name,
			cascade_all  = excluded.cascade_all,
			requested_at = excluded.requested_at,
			snapshot     = CASE WHEN excluded.snapshot = ''
				THEN pending_deletes.snapshot ELSE excluded.snapshot END
	`,
		rec.Kind,
		rec.ID,
		rec.Scope,
		rec.DisplayName,
		boolToInt(rec.Cascade),
		rec.RequestedAt,
		rec.Snapshot,
	)
	if err != nil {
		return fmt.Errorf("put delete: %w", err)
	}
	return nil
}

// RemoveDelete removes a tombstone and reports whether one existed.
func (s *Store) RemoveDelete(ctx context.Context, kind string, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_deletes WHERE kind = ? AND id = ?`, kind, id)
	if err != nil {
		return false, fmt.Errorf("remove delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove delete: rows affected: %w", err)
	}
	return n > 0, nil
}

// ListDeletes returns tombstones of a kind, optionally restricted to a scope
// (empty scope lists all). Ordered by request time, then id.
func (s *Store) ListDeletes(ctx context.Context, kind, scope string) ([]DeleteRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, id, scope, display_name, cascade_all, requested_at, snapshot
		FROM pending_deletes
		WHERE kind = ? AND (? = '' OR scope = ?)
		ORDER BY requested_at ASC, id ASC
	`, kind, scope, scope)
	if err != nil {
		return nil, fmt.Errorf("query deletes: %w", err)
	}
	defer rows.Close()

	records := []DeleteRecord{}
	for rows.Next() {
		var rec DeleteRecord
		var cascade int
		if err := rows.Scan(&rec.Kind, &rec.ID, &rec.Scope, &rec.DisplayName, &cascade, &rec.RequestedAt, &rec.Snapshot); err != nil {
			return nil, fmt.Errorf("scan delete: %w", err)
		}
		rec.Cascade = cascade != 0
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deletes: %w", err)
	}
	return records, nil
}

// FillDeleteSnapshot stores snapshot on a tombstone that has none yet.
// Reports whether a row was updated.
func (s *Store) FillDeleteSnapshot(ctx context.Context, kind string, id int64, snapshot string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_deletes SET snapshot = ?
		WHERE kind = ? AND id = ? AND snapshot = ''
	`, snapshot, kind, id)
	if err != nil {
		return false, fmt.Errorf("fill delete snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fill delete snapshot: rows affected: %w", err)
	}
	return n > 0, nil
}

// FillUpsertBase stores base on a pending edit that has none yet.
// Reports whether a row was updated.
func (s *Store) FillUpsertBase(ctx context.Context, kind string, id int64, base string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_upserts SET base_payload = ?
		WHERE kind = ? AND id = ? AND id > 0 AND base_payload = ''
	`, base, kind, id)
	if err != nil {
		return false, fmt.Errorf("fill upsert base: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fill upsert base: rows affected: %w", err)
	}
	return n > 0, nil
}

// CountPending counts pending records of a kind, optionally restricted to a
// scope. An empty kind counts across all kinds.
func (s *Store) CountPending(ctx context.Context, kind, scope string) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM pending_upserts WHERE (? = '' OR kind = ?) AND (? = '' OR scope = ?)),
			(SELECT COUNT(*) FROM pending_deletes WHERE (? = '' OR kind = ?) AND (? = '' OR scope = ?))
	`, kind, kind, scope, scope, kind, kind, scope, scope).Scan(&c.Upserts, &c.Deletes)
	if err != nil {
		return Counts{}, fmt.Errorf("count pending: %w", err)
	}
	return c, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanUpsert(row scanner) (UpsertRecord, error) {
	var rec UpsertRecord
	err := row.Scan(
		&rec.Kind,
		&rec.ID,
		&rec.Scope,
		&rec.ExternalKey,
		&rec.Payload,
		&rec.PayloadHash,
		&rec.IdempotencyKey,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.BasePayload,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UpsertRecord{}, err
		}
		return UpsertRecord{}, fmt.Errorf("scan upsert: %w", err)
	}
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
