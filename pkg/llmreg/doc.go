// Package llmreg tracks LLM serving endpoints and host resources.
//
// Endpoints are persisted and keyed by host:port, making registration
// idempotent whether it comes from the admin API or from a sidecar
// announcing itself during handshake. A periodic prober marks an
// endpoint unhealthy after two consecutive failed readiness checks and
// healthy again on the first success; the same request refreshes the
// endpoint's model inventory.
//
// Sidecar resource reports (cpu, ram, vram, loaded models) live in an
// in-memory table and expire after 90 seconds without a refresh.
// Snapshot returns the union for the router and dashboards.
package llmreg
