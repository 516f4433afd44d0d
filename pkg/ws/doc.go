// Package ws owns the agent WebSocket protocol: the identify
// handshake, the task push/accept/complete exchange, sidecar reports,
// and the 30 second ping with a 10 second pong deadline. One session
// per connected agent; the session binds to that agent's state machine
// and every inbound message refreshes presence.
package ws
