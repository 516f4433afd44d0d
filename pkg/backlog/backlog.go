package backlog

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/metrics"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidTransition is returned when a status move is not in
	// the lifecycle table.
	ErrInvalidTransition = errors.New("invalid goal transition")
	// ErrNone is returned by Dequeue when no goal is waiting.
	ErrNone = errors.New("no submitted goals")
	// ErrValidation wraps submit-time validation failures.
	ErrValidation = errors.New("validation failed")
)

// SubmitParams are the caller-supplied fields of a new goal.
type SubmitParams struct {
	Title           string
	Description     string
	SuccessCriteria []string
	Priority        types.Priority
	Source          types.GoalSource
	Repo            string
	Metadata        map[string]string
}

// Stats summarizes the backlog by status.
type Stats struct {
	ByStatus map[types.GoalStatus]int `json:"by_status"`
	Total    int                      `json:"total"`
}

// Backlog is the persistent goal store with its lifecycle state
// machine. A single mutex serializes mutations; transitions append to
// the goal's history in the same write that changes its status.
type Backlog struct {
	store  storage.Store
	broker *events.Broker
	mu     sync.Mutex
	logger zerolog.Logger
}

// New creates a goal backlog on top of the durable store.
func New(store storage.Store, broker *events.Broker) *Backlog {
	return &Backlog{
		store:  store,
		broker: broker,
		logger: log.WithComponent("backlog"),
	}
}

// Submit validates and persists a new goal in the submitted state.
func (b *Backlog) Submit(params SubmitParams) (*types.Goal, error) {
	if params.Description == "" {
		return nil, fmt.Errorf("%w: description is required", ErrValidation)
	}
	if params.Priority == "" {
		params.Priority = types.PriorityNormal
	}
	if params.Priority.Rank() > types.PriorityLow.Rank() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrValidation, params.Priority)
	}
	if params.Source == "" {
		params.Source = types.GoalSourceAPI
	}
	if params.Title == "" {
		params.Title = truncate(params.Description, 80)
	}

	now := time.Now()
	goal := &types.Goal{
		ID:              uuid.New().String(),
		Title:           params.Title,
		Description:     params.Description,
		SuccessCriteria: params.SuccessCriteria,
		Priority:        params.Priority,
		Source:          params.Source,
		Repo:            params.Repo,
		Metadata:        params.Metadata,
		Status:          types.GoalSubmitted,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.store.PutGoal(goal); err != nil {
		return nil, fmt.Errorf("failed to persist goal: %w", err)
	}

	b.publish(events.EventGoalSubmitted, goal, "")
	b.logger.Info().Str("goal_id", goal.ID).Str("priority", string(goal.Priority)).
		Msg("goal submitted")
	return goal, nil
}

// Transition moves a goal to a new status, validating against the
// lifecycle table and appending to the goal's history atomically.
func (b *Backlog) Transition(goalID string, to types.GoalStatus, reason string) (*types.Goal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transitionLocked(goalID, to, reason)
}

func (b *Backlog) transitionLocked(goalID string, to types.GoalStatus, reason string) (*types.Goal, error) {
	goal, err := b.store.GetGoal(goalID)
	if err != nil {
		return nil, err
	}
	if !types.ValidGoalTransition(goal.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, goal.Status, to)
	}

	from := goal.Status
	goal.Status = to
	goal.UpdatedAt = time.Now()
	goal.History = append(goal.History, types.GoalTransition{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: goal.UpdatedAt,
	})
	if to == types.GoalFailed {
		goal.FailureReason = reason
	}

	if err := b.store.PutGoal(goal); err != nil {
		return nil, fmt.Errorf("failed to persist transition: %w", err)
	}

	b.publish(events.EventGoalTransitioned, goal, reason)
	b.logger.Info().Str("goal_id", goalID).
		Str("from", string(from)).Str("to", string(to)).Str("reason", reason).
		Msg("goal transitioned")
	return goal, nil
}

// Dequeue atomically selects the highest-priority submitted goal and
// moves it to decomposing. Returns ErrNone when the backlog has no
// submitted goals.
func (b *Backlog) Dequeue() (*types.Goal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	goals, err := b.store.ListGoals()
	if err != nil {
		return nil, err
	}

	var candidates []*types.Goal
	for _, g := range goals {
		if g.Status == types.GoalSubmitted {
			candidates = append(candidates, g)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNone
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority.Rank() != candidates[j].Priority.Rank() {
			return candidates[i].Priority.Rank() < candidates[j].Priority.Rank()
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	return b.transitionLocked(candidates[0].ID, types.GoalDecomposing, "dequeued")
}

// BumpVerificationRetries increments the goal's verification counter
// and returns the new value.
func (b *Backlog) BumpVerificationRetries(goalID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	goal, err := b.store.GetGoal(goalID)
	if err != nil {
		return 0, err
	}
	goal.VerificationRetries++
	goal.UpdatedAt = time.Now()
	if err := b.store.PutGoal(goal); err != nil {
		return 0, err
	}
	metrics.VerificationRetries.Inc()
	return goal.VerificationRetries, nil
}

// Get returns one goal.
func (b *Backlog) Get(goalID string) (*types.Goal, error) {
	return b.store.GetGoal(goalID)
}

// List returns all goals, newest first.
func (b *Backlog) List() ([]*types.Goal, error) {
	goals, err := b.store.ListGoals()
	if err != nil {
		return nil, err
	}
	sort.Slice(goals, func(i, j int) bool {
		return goals[i].CreatedAt.After(goals[j].CreatedAt)
	})
	return goals, nil
}

// Delete removes a goal.
func (b *Backlog) Delete(goalID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	goal, err := b.store.GetGoal(goalID)
	if err != nil {
		return err
	}
	if err := b.store.DeleteGoal(goalID); err != nil {
		return err
	}
	b.publish(events.EventGoalDeleted, goal, "")
	return nil
}

// Stats counts goals by status and refreshes the status gauges.
func (b *Backlog) Stats() (*Stats, error) {
	goals, err := b.store.ListGoals()
	if err != nil {
		return nil, err
	}

	stats := &Stats{ByStatus: make(map[types.GoalStatus]int), Total: len(goals)}
	for _, g := range goals {
		stats.ByStatus[g.Status]++
	}
	for _, status := range []types.GoalStatus{
		types.GoalSubmitted, types.GoalDecomposing, types.GoalExecuting,
		types.GoalVerifying, types.GoalComplete, types.GoalFailed,
	} {
		metrics.GoalsByStatus.WithLabelValues(string(status)).Set(float64(stats.ByStatus[status]))
	}
	return stats, nil
}

func (b *Backlog) publish(typ events.EventType, goal *types.Goal, msg string) {
	if b.broker == nil {
		return
	}
	b.broker.Publish(&events.Event{
		ID:      uuid.New().String(),
		Type:    typ,
		Topic:   events.TopicGoals,
		GoalID:  goal.ID,
		Message: msg,
		Metadata: map[string]string{
			"status":   string(goal.Status),
			"priority": string(goal.Priority),
		},
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
