// Package api serves the hub's REST surface and mounts the WebSocket
// endpoint. All routes except /healthz, /metrics and /ws require a
// bearer token resolved through the auth store; authenticated requests
// are rate-limited per agent.
package api
