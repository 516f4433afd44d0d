// Package presence tracks agent liveness. Every inbound session
// message refreshes the agent's heartbeat; a 30 second reaper evicts
// agents silent for more than 60 seconds, terminating their state
// machine so any held task is requeued.
package presence
