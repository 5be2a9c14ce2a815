package store

import (
	"path/filepath"
	"testing"
)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestUpsert creates an upsert record with minimal required fields.
func createTestUpsert(id int64, scope, externalKey string, createdAt int64) UpsertRecord {
	return UpsertRecord{
		Kind:           "calendar.event",
		ID:             id,
		Scope:          scope,
		ExternalKey:    externalKey,
		Payload:        `{"title":"` + externalKey + `"}`,
		PayloadHash:    "hash-" + externalKey,
		IdempotencyKey: "token-" + externalKey,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}
