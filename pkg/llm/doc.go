// Package llm is the hub's client for OpenAI-compatible chat APIs.
// It carries the two orchestrator pipelines, goal decomposition and
// outcome verification, retries transient failures once, and charges
// every call against a daily token ledger.
package llm
