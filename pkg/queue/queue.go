package queue

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
	// ErrStaleGeneration is returned when a caller presents a
	// generation that no longer matches the task. Stale completions
	// and failures are dropped, not applied.
	ErrStaleGeneration = errors.New("stale generation")
	// ErrNotQueued is returned by Assign when the task is not in the
	// queued state.
	ErrNotQueued = errors.New("task not queued")
	// ErrValidation wraps submit-time validation failures.
	ErrValidation = errors.New("validation failed")
)

// maxVerificationSteps is the soft cap above which Submit emits a
// warning but still accepts the task.
const maxVerificationSteps = 10

// DefaultRepo resolves the repo inherited by tasks submitted without
// one. Implemented by the repo registry.
type DefaultRepo interface {
	Default() (string, error)
}

// SubmitParams are the caller-supplied fields of a new task.
type SubmitParams struct {
	Description       string
	GoalID            string
	DependsOn         []string
	Repo              string
	Branch            string
	FileHints         []types.FileHint
	SuccessCriteria   []string
	VerificationSteps []types.VerificationStep
	Priority          types.Priority
	ComplexityTier    types.ComplexityTier // empty: run the classifier
	MaxRetries        int                  // 0: DefaultMaxRetries
	RequiredCaps      []string
}

// FailOutcome tells the caller what Fail did with the task.
type FailOutcome string

const (
	FailRetried      FailOutcome = "retried"
	FailDeadLettered FailOutcome = "dead_lettered"
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status  types.TaskStatus
	GoalID  string
	AgentID string
}

// Queue is the authoritative store for tasks in non-terminal states
// plus the dead-letter table. A single mutex serializes every
// mutation, so writes are linearizable and reads observe the most
// recent durable write.
type Queue struct {
	store  storage.Store
	broker *events.Broker
	repos  DefaultRepo
	mu     sync.Mutex
	logger zerolog.Logger
}

// New creates a task queue on top of the durable store.
func New(store storage.Store, broker *events.Broker, repos DefaultRepo) *Queue {
	return &Queue{
		store:  store,
		broker: broker,
		repos:  repos,
		logger: log.WithComponent("queue"),
	}
}

// Submit validates and persists a new task in the queued state.
// Returns the task plus any non-fatal warnings.
func (q *Queue) Submit(params SubmitParams) (*types.Task, []string, error) {
	if params.Description == "" {
		return nil, nil, fmt.Errorf("%w: description is required", ErrValidation)
	}
	if params.Priority == "" {
		params.Priority = types.PriorityNormal
	}
	if params.Priority.Rank() > types.PriorityLow.Rank() {
		return nil, nil, fmt.Errorf("%w: unknown priority %q", ErrValidation, params.Priority)
	}

	var warnings []string
	if len(params.VerificationSteps) > maxVerificationSteps {
		warnings = append(warnings, fmt.Sprintf(
			"task has %d verification steps (more than %d); consider splitting",
			len(params.VerificationSteps), maxVerificationSteps))
	}

	repo := params.Repo
	if repo == "" && q.repos != nil {
		if def, err := q.repos.Default(); err == nil {
			repo = def
		}
	}

	complexity := types.Complexity{
		EffectiveTier: params.ComplexityTier,
		Source:        types.ComplexityExplicit,
	}
	if params.ComplexityTier == "" {
		inferred := InferComplexity(params.Description, params.FileHints)
		complexity = types.Complexity{
			EffectiveTier: inferred.Tier,
			Source:        types.ComplexityInferred,
			Inferred:      &inferred,
		}
	}

	maxRetries := params.MaxRetries
	if maxRetries <= 0 {
		maxRetries = types.DefaultMaxRetries
	}

	now := time.Now()
	task := &types.Task{
		ID:                uuid.New().String(),
		GoalID:            params.GoalID,
		DependsOn:         params.DependsOn,
		Description:       params.Description,
		Repo:              repo,
		Branch:            params.Branch,
		FileHints:         params.FileHints,
		SuccessCriteria:   params.SuccessCriteria,
		VerificationSteps: params.VerificationSteps,
		Complexity:        complexity,
		Priority:          params.Priority,
		Status:            types.TaskQueued,
		MaxRetries:        maxRetries,
		RequiredCaps:      params.RequiredCaps,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.PutTask(task); err != nil {
		return nil, nil, fmt.Errorf("failed to persist task: %w", err)
	}

	metrics.TasksSubmitted.Inc()
	q.publish(events.EventTaskSubmitted, task, "")
	q.logger.Info().Str("task_id", task.ID).Str("goal_id", task.GoalID).
		Str("tier", string(complexity.EffectiveTier)).Msg("task submitted")
	return task, warnings, nil
}

// Assign moves a queued task to assigned, bound to one agent. The
// expectedGeneration is a compare-and-swap guard: a concurrent requeue
// or assignment bumps the generation and makes this call fail with
// ErrStaleGeneration. On success the generation is incremented and the
// routing decision attached; the returned task carries the new
// generation that all later Complete/Fail calls must echo.
func (q *Queue) Assign(taskID, agentID string, expectedGeneration uint64, decision *types.RoutingDecision) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.Generation != expectedGeneration {
		return nil, ErrStaleGeneration
	}
	if task.Status != types.TaskQueued {
		return nil, ErrNotQueued
	}

	task.Status = types.TaskAssigned
	task.AssignedTo = agentID
	task.AssignedAt = time.Now()
	task.UpdatedAt = task.AssignedAt
	task.Generation++
	task.RoutingDecision = decision

	if err := q.store.PutTask(task); err != nil {
		return nil, fmt.Errorf("failed to persist assignment: %w", err)
	}

	metrics.TasksAssigned.Inc()
	q.publish(events.EventTaskAssigned, task, "")
	return task, nil
}

// MarkInProgress records the agent's acceptance of an assignment.
func (q *Queue) MarkInProgress(taskID string, generation uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Generation != generation {
		return ErrStaleGeneration
	}
	if task.Status != types.TaskAssigned {
		return fmt.Errorf("task %s is %s, not assigned", taskID, task.Status)
	}

	task.Status = types.TaskInProgress
	task.UpdatedAt = time.Now()
	return q.store.PutTask(task)
}

// Touch refreshes UpdatedAt on a progress report so the stuck sweep
// does not reclaim a task that is still being worked on.
func (q *Queue) Touch(taskID string, generation uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Generation != generation {
		return ErrStaleGeneration
	}
	task.UpdatedAt = time.Now()
	return q.store.PutTask(task)
}

// Complete finishes a task. A mismatched generation means the
// completion refers to an assignment that was already reclaimed; it is
// dropped with ErrStaleGeneration and the task is left untouched.
func (q *Queue) Complete(taskID string, generation uint64, result map[string]any) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Generation != generation {
		q.logger.Debug().Str("task_id", taskID).
			Uint64("got", generation).Uint64("want", task.Generation).
			Msg("dropping stale completion")
		return ErrStaleGeneration
	}

	task.Status = types.TaskCompleted
	task.Result = result
	task.AssignedTo = ""
	task.UpdatedAt = time.Now()

	if err := q.store.PutTask(task); err != nil {
		return fmt.Errorf("failed to persist completion: %w", err)
	}

	metrics.TasksCompleted.Inc()
	q.publish(events.EventTaskCompleted, task, "")
	return nil
}

// Fail records a task failure. While the retry budget lasts the task
// is re-queued with a bumped generation; once exhausted it moves to
// the dead-letter table atomically.
func (q *Queue) Fail(taskID string, generation uint64, reason string) (FailOutcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.store.GetTask(taskID)
	if err != nil {
		return "", err
	}
	if task.Generation != generation {
		q.logger.Debug().Str("task_id", taskID).
			Uint64("got", generation).Uint64("want", task.Generation).
			Msg("dropping stale failure")
		return "", ErrStaleGeneration
	}

	task.RetryCount++
	metrics.TaskRetries.Inc()

	if task.RetryCount >= task.MaxRetries {
		return FailDeadLettered, q.deadLetterLocked(task, reason)
	}

	task.Status = types.TaskQueued
	task.AssignedTo = ""
	task.Generation++
	task.UpdatedAt = time.Now()
	if err := q.store.PutTask(task); err != nil {
		return "", fmt.Errorf("failed to persist retry: %w", err)
	}

	q.publish(events.EventTaskFailed, task, reason)
	q.logger.Warn().Str("task_id", taskID).Str("reason", reason).
		Int("retry", task.RetryCount).Msg("task failed, requeued")
	return FailRetried, nil
}

// Requeue returns an assigned or in-progress task to the queue with a
// bumped generation. Used by the scheduler sweep, agent disconnects,
// rejections, and healing. No retry penalty is applied.
func (q *Queue) Requeue(taskID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return fmt.Errorf("task %s is %s and cannot be requeued", taskID, task.Status)
	}

	task.Status = types.TaskQueued
	task.AssignedTo = ""
	task.Generation++
	task.UpdatedAt = time.Now()

	if err := q.store.PutTask(task); err != nil {
		return fmt.Errorf("failed to persist requeue: %w", err)
	}

	q.publish(events.EventTaskRequeued, task, reason)
	q.logger.Info().Str("task_id", taskID).Str("reason", reason).Msg("task requeued")
	return nil
}

// ExpireQueued dead-letters queued tasks created before the cutoff.
// Prevents unbounded backlog growth when an execution tier is down.
func (q *Queue) ExpireQueued(cutoff time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks, err := q.store.ListTasks()
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, task := range tasks {
		if task.Status != types.TaskQueued || !task.CreatedAt.Before(cutoff) {
			continue
		}
		if err := q.deadLetterLocked(task, "ttl_expired"); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// StaleAssigned lists tasks in assigned or in_progress whose last
// update is older than the cutoff. The scheduler sweep reclaims them.
func (q *Queue) StaleAssigned(cutoff time.Time) ([]*types.Task, error) {
	tasks, err := q.store.ListTasks()
	if err != nil {
		return nil, err
	}

	var stale []*types.Task
	for _, task := range tasks {
		if (task.Status == types.TaskAssigned || task.Status == types.TaskInProgress) &&
			task.UpdatedAt.Before(cutoff) {
			stale = append(stale, task)
		}
	}
	return stale, nil
}

// RetryDeadLetter moves a dead-lettered task back to queued with a
// fresh retry budget. Manual operation.
func (q *Queue) RetryDeadLetter(taskID string) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.store.GetDeadLetter(taskID)
	if err != nil {
		return nil, err
	}

	task.Status = types.TaskQueued
	task.RetryCount = 0
	task.AssignedTo = ""
	task.Generation++
	task.DeadLetterReason = ""
	task.UpdatedAt = time.Now()

	if err := q.store.PutTask(task); err != nil {
		return nil, err
	}
	if err := q.store.DeleteDeadLetter(taskID); err != nil {
		return nil, err
	}

	q.publish(events.EventTaskSubmitted, task, "dead_letter_retry")
	return task, nil
}

// Get returns a task from the main table, falling back to the
// dead-letter table.
func (q *Queue) Get(taskID string) (*types.Task, error) {
	task, err := q.store.GetTask(taskID)
	if err == nil {
		return task, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return q.store.GetDeadLetter(taskID)
	}
	return nil, err
}

// List returns tasks matching the filter, queued first by priority
// then age.
func (q *Queue) List(filter Filter) ([]*types.Task, error) {
	tasks, err := q.store.ListTasks()
	if err != nil {
		return nil, err
	}

	var out []*types.Task
	for _, task := range tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.GoalID != "" && task.GoalID != filter.GoalID {
			continue
		}
		if filter.AgentID != "" && task.AssignedTo != filter.AgentID {
			continue
		}
		out = append(out, task)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority.Rank() != out[j].Priority.Rank() {
			return out[i].Priority.Rank() < out[j].Priority.Rank()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Stats counts live tasks by status and refreshes the status gauges.
func (q *Queue) Stats() (map[types.TaskStatus]int, error) {
	tasks, err := q.store.ListTasks()
	if err != nil {
		return nil, err
	}

	counts := make(map[types.TaskStatus]int)
	for _, task := range tasks {
		counts[task.Status]++
	}
	for _, status := range []types.TaskStatus{types.TaskQueued, types.TaskAssigned, types.TaskInProgress} {
		metrics.TasksByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	return counts, nil
}

// ListDeadLetters returns the dead-letter table.
func (q *Queue) ListDeadLetters() ([]*types.Task, error) {
	return q.store.ListDeadLetters()
}

// TasksForGoal returns every task (live or dead-lettered) belonging to
// a goal.
func (q *Queue) TasksForGoal(goalID string) ([]*types.Task, error) {
	live, err := q.store.ListTasks()
	if err != nil {
		return nil, err
	}
	dead, err := q.store.ListDeadLetters()
	if err != nil {
		return nil, err
	}

	var out []*types.Task
	for _, task := range append(live, dead...) {
		if task.GoalID == goalID {
			out = append(out, task)
		}
	}
	return out, nil
}

// GoalProgress summarizes the child tasks of a goal.
func (q *Queue) GoalProgress(goalID string) (types.GoalProgress, error) {
	tasks, err := q.TasksForGoal(goalID)
	if err != nil {
		return types.GoalProgress{}, err
	}

	var p types.GoalProgress
	for _, task := range tasks {
		switch task.Status {
		case types.TaskCompleted:
			p.Completed++
		case types.TaskDeadLettered:
			p.Failed++
		default:
			p.Pending++
		}
	}
	return p, nil
}

// DepsSatisfied reports whether every dependency of a task has
// completed. Dependencies that no longer exist count as unsatisfied.
func (q *Queue) DepsSatisfied(task *types.Task) bool {
	for _, dep := range task.DependsOn {
		depTask, err := q.Get(dep)
		if err != nil || depTask.Status != types.TaskCompleted {
			return false
		}
	}
	return true
}

// deadLetterLocked moves a task to the dead-letter table. Caller holds
// the queue mutex.
func (q *Queue) deadLetterLocked(task *types.Task, reason string) error {
	task.Status = types.TaskDeadLettered
	task.AssignedTo = ""
	task.DeadLetterReason = reason
	task.UpdatedAt = time.Now()

	if err := q.store.MoveToDeadLetter(task); err != nil {
		return fmt.Errorf("failed to dead-letter task: %w", err)
	}

	metrics.TasksDeadLettered.Inc()
	q.publish(events.EventTaskDeadLettered, task, reason)
	q.logger.Warn().Str("task_id", task.ID).Str("reason", reason).Msg("task dead-lettered")
	return nil
}

func (q *Queue) publish(typ events.EventType, task *types.Task, msg string) {
	if q.broker == nil {
		return
	}
	q.broker.Publish(&events.Event{
		ID:      uuid.New().String(),
		Type:    typ,
		Topic:   events.TopicTasks,
		TaskID:  task.ID,
		GoalID:  task.GoalID,
		AgentID: task.AssignedTo,
		Message: msg,
		Metadata: map[string]string{
			"status":   string(task.Status),
			"priority": string(task.Priority),
		},
	})
}
