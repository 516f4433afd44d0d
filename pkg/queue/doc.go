// Package queue implements the persistent task queue: priority lanes,
// retries with a bounded budget, a dead-letter table, and generation
// fencing.
//
// Every mutation goes through a single mutex, making writes
// linearizable. Each (re)assignment increments the task's generation;
// completions and failures must echo the generation they were handed,
// and mismatches are dropped as stale. This is how a race between the
// sweep reclaiming a silent task and the original agent's late result
// resolves without locks spanning actors: the stale write becomes a
// no-op.
//
// Tasks that exhaust their retry budget move to the dead-letter table
// in the same storage transaction that removes them from the main
// table, so a crash can never duplicate or lose a task.
package queue
