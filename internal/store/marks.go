package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SyncMark returns the last recorded sync time for a scope in unix millis.
// ok is false if the scope never synced.
func (s *Store) SyncMark(ctx context.Context, scope string) (millis int64, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT synced_at FROM sync_marks WHERE scope = ?`, scope).Scan(&millis)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read sync mark: %w", err)
	}
	return millis, true, nil
}

// PutSyncMark records the sync time for a scope.
func (s *Store) PutSyncMark(ctx context.Context, scope string, millis int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_marks (scope, synced_at) VALUES (?, ?)
		ON CONFLICT(scope) DO UPDATE SET synced_at = excluded.synced_at
	`, scope, millis)
	if err != nil {
		return fmt.Errorf("write sync mark: %w", err)
	}
	return nil
}
