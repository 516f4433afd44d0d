// Package hub is the singleton controller of the autonomous cycle:
// resting, executing, improving, contemplating, healing. A one-second
// tick samples system signals, feeds them to the pure Evaluate
// function, and applies at most one transition. A two-hour watchdog
// forces any stuck state back to resting; healing is rate-limited by a
// cooldown and a rolling three-attempt window.
package hub
