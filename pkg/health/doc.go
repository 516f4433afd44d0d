// Package health evaluates alert rules over periodic system samples:
// a backlog growing three checks in a row, failure rate above half,
// stuck tasks, no agents online, every endpoint unhealthy, and error
// bursts. Critical alerts bypass cooldown and arm the hub's healing
// state.
package health
