// Package engine implements the offline mutation queue and reconciliation
// engine.
//
// The engine lets callers create, edit and delete entities while
// disconnected, persists those intents in the store, replays them against a
// remote authority and keeps cached read-views consistent with the outcome.
//
// ARCHITECTURE:
//
//	UI ──SaveUpsert/MarkDeleted──▶ MutationStore ──▶ store (SQLite)
//	UI ──RequestSync──▶ Engine ──▶ Throttle ──▶ Executor
//	                                             │
//	               SyncLock (RunLock + EditBlock)┤
//	                                             ├─▶ RemoteAuthority.Submit
//	                                             ├─▶ Planner ─▶ Invalidator
//	                                             └─▶ Subscriptions (SyncCompleted)
//	UI ──MergedView──▶ remote fetch + MutationStore ──▶ Merge
//
// Pass lifecycle per scope: Idle → Locked → Draining → Reconciling → Idle.
//
// CRITICAL PATTERNS:
//
// Delete before edit:
// Tombstones are replayed before upserts so an entity that was both edited
// and deleted offline is never resurrected by its edit.
//
// Fail last, not fast:
// Per-item transient failures are collected; every other item in the pass
// still runs. Only storage errors abort a pass.
//
// One pass per scope:
// A second sync request for a scope that is already syncing joins the
// in-flight pass and receives the same result. Different scopes sync fully
// in parallel.
package engine
