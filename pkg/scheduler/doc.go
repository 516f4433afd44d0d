// Package scheduler matches queued tasks to idle agents. Matching runs
// on task and agent events and on a 30 second sweep; tasks are taken
// in priority-then-age order, filtered by paused repos, unmet
// dependencies, and agent capabilities, and routed to an execution
// target before assignment. The sweep also reclaims tasks whose agent
// has gone silent and dead-letters queued tasks past their TTL.
package scheduler
