// Package store provides SQLite-backed durable storage for pending offline
// mutations and sync bookkeeping.
//
// The store holds three tables:
//   - pending_upserts: created or edited entities awaiting submission
//   - pending_deletes: tombstones for remote entities awaiting deletion
//   - sync_marks: last successful sync time per scope
//
// Records are keyed by (kind, id) where id is the raw entity id (negative
// for entities that only exist locally). Payloads are stored as canonical
// JSON TEXT; the store never interprets them.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// All list queries use a deterministic ORDER BY so that sync passes replay
// mutations in the order the user made them.
package store
