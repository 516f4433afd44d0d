// Package backlog is the persistent goal store. Goals move through a
// fixed lifecycle (submitted, decomposing, executing, verifying, then
// complete or failed); every transition is validated against the table
// and appended to the goal's history in the same durable write.
// Dequeue hands the orchestrator the highest-priority submitted goal.
package backlog
