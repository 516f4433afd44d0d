package agent

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrNotIdle is returned by PushTask when the agent cannot take
	// work right now.
	ErrNotIdle = errors.New("agent is not idle")
	// ErrWrongTask is returned when a message names a task the agent
	// is not holding.
	ErrWrongTask = errors.New("message does not match current task")
)

const (
	// DefaultAcceptTimeout is how long a pushed task may sit
	// unacknowledged before it is returned to the queue.
	DefaultAcceptTimeout = 60 * time.Second
	// DefaultProgressTimeout is the longest silence tolerated from a
	// working agent before its task is reclaimed.
	DefaultProgressTimeout = 5 * time.Minute

	// recentWindow bounds the completion counter used by the
	// scheduler's tie-break.
	recentWindow = time.Minute
)

// Sender delivers protocol messages to the agent's live connection.
// Implemented by the WebSocket session.
type Sender interface {
	SendAssign(task *types.Task) error
}

// TaskReturner puts a task back on the queue when the agent cannot
// finish it. Implemented by the task queue.
type TaskReturner interface {
	Requeue(taskID, reason string) error
}

// Timeouts tunes the FSM timers. Zero values select the defaults.
type Timeouts struct {
	Accept   time.Duration
	Progress time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Accept <= 0 {
		t.Accept = DefaultAcceptTimeout
	}
	if t.Progress <= 0 {
		t.Progress = DefaultProgressTimeout
	}
	return t
}

// Agent is the state machine for one connected agent. Transitions are
// driven by scheduler pushes, session messages, and timer expiry.
//
//	idle -> assigned -> working -> idle
//	any non-idle state -> disconnected (connection loss)
type Agent struct {
	ID           string
	Capabilities []string

	mu          sync.Mutex
	state       types.AgentState
	taskID      string
	generation  uint64
	sender      Sender
	queue       TaskReturner
	timeouts    Timeouts
	acceptTimer *time.Timer
	watchdog    *time.Timer
	slowAccepts int
	completions []time.Time
	connectedAt time.Time
	logger      zerolog.Logger
}

func newAgent(id string, caps []string, sender Sender, queue TaskReturner, timeouts Timeouts) *Agent {
	return &Agent{
		ID:           id,
		Capabilities: caps,
		state:        types.AgentIdle,
		sender:       sender,
		queue:        queue,
		timeouts:     timeouts.withDefaults(),
		connectedAt:  time.Now(),
		logger:       log.WithAgentID(id),
	}
}

// State returns the agent's current FSM state.
func (a *Agent) State() types.AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// CurrentTask returns the task the agent is holding, if any, with the
// generation it was assigned under.
func (a *Agent) CurrentTask() (string, uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.taskID, a.generation, a.taskID != ""
}

// PushTask hands an assigned task to the agent and starts the
// acceptance timer. The caller must have already won the queue-side
// assignment; a push failure means the caller should undo it.
func (a *Agent) PushTask(task *types.Task) error {
	a.mu.Lock()
	if a.state != types.AgentIdle {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotIdle, a.ID, a.state)
	}
	a.state = types.AgentAssigned
	a.taskID = task.ID
	a.generation = task.Generation
	a.acceptTimer = time.AfterFunc(a.timeouts.Accept, func() { a.acceptExpired(task.ID) })
	sender := a.sender
	a.mu.Unlock()

	if err := sender.SendAssign(task); err != nil {
		a.mu.Lock()
		a.resetLocked()
		a.mu.Unlock()
		return fmt.Errorf("failed to deliver task to %s: %w", a.ID, err)
	}
	return nil
}

// TaskAccepted records the agent's acknowledgment, stopping the
// acceptance timer and arming the progress watchdog.
func (a *Agent) TaskAccepted(taskID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != types.AgentAssigned || a.taskID != taskID {
		return ErrWrongTask
	}
	a.state = types.AgentWorking
	a.stopTimersLocked()
	a.watchdog = time.AfterFunc(a.timeouts.Progress, func() { a.watchdogExpired(taskID) })
	return nil
}

// TaskProgress re-arms the progress watchdog.
func (a *Agent) TaskProgress(taskID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != types.AgentWorking || a.taskID != taskID {
		return ErrWrongTask
	}
	a.watchdog.Stop()
	a.watchdog = time.AfterFunc(a.timeouts.Progress, func() { a.watchdogExpired(taskID) })
	return nil
}

// TaskFinished returns the agent to idle after a completion or failure
// has been applied to the queue. The generation must match the one the
// task was pushed under: a result for a reclaimed-and-reassigned task
// arrives with the old generation and must not wipe the current
// assignment. Completions feed the tie-break counter.
func (a *Agent) TaskFinished(taskID string, generation uint64, completed bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.taskID != taskID || a.generation != generation {
		return ErrWrongTask
	}
	a.resetLocked()
	if completed {
		a.completions = append(a.completions, time.Now())
	}
	return nil
}

// ClearTask drops the agent's current task without touching the queue.
// Used when the scheduler sweep has already reclaimed the task.
func (a *Agent) ClearTask(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.taskID == taskID {
		a.resetLocked()
	}
}

// Disconnect terminates the FSM. Any in-flight task goes back to the
// queue with a bumped generation.
func (a *Agent) Disconnect() {
	a.mu.Lock()
	taskID := a.taskID
	a.stopTimersLocked()
	a.taskID = ""
	a.generation = 0
	a.state = types.AgentDisconnected
	a.mu.Unlock()

	if taskID != "" {
		if err := a.queue.Requeue(taskID, "agent_disconnected"); err != nil {
			a.logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to requeue on disconnect")
		}
	}
}

// RecentCompletions counts tasks the agent completed inside the
// tie-break window.
func (a *Agent) RecentCompletions() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := time.Now().Add(-recentWindow)
	kept := a.completions[:0]
	for _, ts := range a.completions {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	a.completions = kept
	return len(kept)
}

// HasCapabilities reports whether the agent covers every required
// capability.
func (a *Agent) HasCapabilities(required []string) bool {
	for _, need := range required {
		found := false
		for _, have := range a.Capabilities {
			if have == need {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (a *Agent) acceptExpired(taskID string) {
	a.mu.Lock()
	if a.state != types.AgentAssigned || a.taskID != taskID {
		a.mu.Unlock()
		return
	}
	a.resetLocked()
	a.slowAccepts++
	a.mu.Unlock()

	a.logger.Warn().Str("task_id", taskID).Msg("acceptance timeout, returning task to queue")
	if err := a.queue.Requeue(taskID, "accept_timeout"); err != nil {
		a.logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to requeue after accept timeout")
	}
}

func (a *Agent) watchdogExpired(taskID string) {
	a.mu.Lock()
	if a.state != types.AgentWorking || a.taskID != taskID {
		a.mu.Unlock()
		return
	}
	a.resetLocked()
	a.mu.Unlock()

	a.logger.Warn().Str("task_id", taskID).Msg("progress watchdog fired, reclaiming task")
	if err := a.queue.Requeue(taskID, "progress_timeout"); err != nil {
		a.logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to requeue after watchdog")
	}
}

// resetLocked returns the agent to idle with no task. Caller holds the
// mutex.
func (a *Agent) resetLocked() {
	a.stopTimersLocked()
	a.state = types.AgentIdle
	a.taskID = ""
	a.generation = 0
}

func (a *Agent) stopTimersLocked() {
	if a.acceptTimer != nil {
		a.acceptTimer.Stop()
		a.acceptTimer = nil
	}
	if a.watchdog != nil {
		a.watchdog.Stop()
		a.watchdog = nil
	}
}
