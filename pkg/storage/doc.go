// Package storage provides the durable key-value layer for the hub.
//
// State lives in a single BoltDB file with one bucket per table:
// tasks, dead_letter, goals, endpoints, repos, tokens. Values are
// JSON-serialized entities keyed by id. Writes are atomic at the
// single-key granularity; the dead-letter move is the one multi-key
// operation and runs inside a single transaction.
//
// The repo registry stores its entire ordered list under one key so
// that a reorder is a single atomic write rather than a multi-step
// mutation vulnerable to crashes.
//
// Each bucket has exactly one writer (the owning component). Reads may
// come from any goroutine; BoltDB serves them from its own MVCC
// snapshot.
package storage
