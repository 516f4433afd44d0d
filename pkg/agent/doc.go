// Package agent holds the per-agent state machine and the registry of
// connected agents.
//
// Each agent moves through idle, assigned, working and back, driven by
// scheduler pushes, session messages, and two timers: a 60 second
// acceptance window after a push and a 5 minute progress watchdog while
// working. Either timer expiring returns the task to the queue. A
// disconnect in any non-idle state does the same and terminates the
// machine.
package agent
