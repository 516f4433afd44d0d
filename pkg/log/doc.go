// Package log wraps zerolog with a process-global logger and helpers
// for attaching the identifiers that recur across the hub (component,
// agent_id, task_id, goal_id). Components take child loggers via
// WithComponent at construction time.
package log
