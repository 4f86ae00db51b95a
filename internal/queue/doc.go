// Package queue implements the durable retry queue for offline-tolerant
// side effects.
//
// Operations are persisted through a Storage and replayed by Process with
// exponential backoff and jitter. Processing is single-flight: a second
// Process call while one is running returns immediately. Every mutation is
// a read-modify-write of the whole collection, so the queue assumes a
// single process owns the storage.
//
// Lifecycle of an operation:
//
//	pending --success--> removed
//	pending --retryable failure--> pending (attempts+1, nextAttemptAt later)
//	pending --non-retryable or attempts >= max--> failed (kept for review)
//	pending --offline--> pending (attempts+1, lastError "offline")
package queue
