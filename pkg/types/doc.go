// Package types defines the core data model shared across the hub:
// tasks, goals, agents, LLM endpoints, repositories, routing decisions,
// and the static lifecycle tables that constrain their state machines.
//
// Every persisted entity here has exactly one writer (its owning
// component); other packages treat these structs as immutable values.
package types
