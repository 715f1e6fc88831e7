// Package store provides SQLite-backed durable storage for questflow.
//
// One database file holds:
//   - kv: the local key/value namespace behind the draft store
//   - sync_log: the append-only autosave journal
//   - remote_sessions, profiles: tables used only by the reference
//     session server
//
// # Ordering
//
// Journal queries order by seq, the insertion sequence, never by the
// wall-clock column. Two entries written in the same millisecond still
// read back in write order.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Answer sets are stored as canonical JSON text produced by
// internal/answer, so equal sets store byte-identical rows.
package store
