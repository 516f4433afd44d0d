// Package router maps a task's complexity tier to an execution target.
//
// Routing is a pure function over the task, an endpoint registry
// snapshot, and a config. Trivial work runs on the agent sidecar,
// standard work is scored across healthy Ollama endpoints, complex work
// goes to the cloud model. When a tier has no candidate the router
// steps exactly one tier over and records the fallback; cloud is the
// final backstop unless disabled, in which case the task stays queued.
package router
