// Package events implements the process-wide publish/subscribe bus.
//
// Producers (task queue, goal backlog, hub controller) publish to a
// topic; consumers (scheduler, goal orchestrator, dashboard feeds)
// subscribe to the topics they care about. Delivery within a topic is
// FIFO per subscriber and at-most-once: slow subscribers drop events
// instead of blocking the bus.
package events
