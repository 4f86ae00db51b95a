// Package store provides SQLite-backed durable storage for the retry
// queue, the telemetry ring and a small key/value table.
//
// # Tables
//
//   - queued_operations: the retry queue, rewritten as a whole collection
//     on every mutation and read back in seq order
//   - telemetry_events: the most recent telemetry events, trimmed to a cap
//   - kv: JSON values by key (wish-gift candidate, cached ids)
//
// # Ordering
//
// Queue reads use ORDER BY seq ASC, id ASC COLLATE BINARY so the collection
// comes back in exactly the order it was saved.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
package store
