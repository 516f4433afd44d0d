// Package orchestrator drives goals from submitted to complete or
// failed. It dequeues a goal, decomposes it into a task DAG with one
// LLM call (re-prompting once on an invalid plan or missing file
// references), submits the tasks in topological order, watches their
// completion through task events, and verifies the outcome with a
// second LLM pipeline capped at two follow-up cycles.
//
// Tick is the only entry point and never blocks: at most one LLM call
// is in flight at a time, dispatched as a goroutine that posts its
// result back through a channel.
package orchestrator
