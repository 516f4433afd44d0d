package queue

import (
	"testing"
	"time"

	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticRepo string

func (s staticRepo) Default() (string, error) { return string(s), nil }

func newTestQueue(t *testing.T) (*Queue, *events.Broker) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return New(store, broker, staticRepo("https://r/a")), broker
}

func submit(t *testing.T, q *Queue, params SubmitParams) *types.Task {
	t.Helper()
	task, _, err := q.Submit(params)
	require.NoError(t, err)
	return task
}

func TestSubmitDefaults(t *testing.T) {
	q, _ := newTestQueue(t)

	task := submit(t, q, SubmitParams{Description: "short fix"})

	assert.Equal(t, types.TaskQueued, task.Status)
	assert.Equal(t, "https://r/a", task.Repo, "repo inherited from registry default")
	assert.Equal(t, types.PriorityNormal, task.Priority)
	assert.Equal(t, types.DefaultMaxRetries, task.MaxRetries)
	assert.Equal(t, types.ComplexityInferred, task.Complexity.Source)
	assert.Empty(t, task.AssignedTo)
	assert.EqualValues(t, 0, task.Generation)
}

func TestSubmitValidation(t *testing.T) {
	q, _ := newTestQueue(t)

	_, _, err := q.Submit(SubmitParams{})
	assert.ErrorIs(t, err, ErrValidation)

	_, _, err = q.Submit(SubmitParams{Description: "x", Priority: "whenever"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSubmitVerificationStepWarning(t *testing.T) {
	q, _ := newTestQueue(t)

	steps := make([]types.VerificationStep, 11)
	for i := range steps {
		steps[i] = types.VerificationStep{Type: "command", Target: "make test"}
	}
	_, warnings, err := q.Submit(SubmitParams{Description: "big task", VerificationSteps: steps})
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "verification steps")
}

func TestAssignBumpsGeneration(t *testing.T) {
	q, _ := newTestQueue(t)
	task := submit(t, q, SubmitParams{Description: "work"})

	assigned, err := q.Assign(task.ID, "agent-1", task.Generation, &types.RoutingDecision{TargetType: types.TargetSidecar})
	require.NoError(t, err)

	assert.Equal(t, types.TaskAssigned, assigned.Status)
	assert.Equal(t, "agent-1", assigned.AssignedTo)
	assert.EqualValues(t, 1, assigned.Generation)
	assert.NotNil(t, assigned.RoutingDecision)
}

func TestAssignStaleGeneration(t *testing.T) {
	q, _ := newTestQueue(t)
	task := submit(t, q, SubmitParams{Description: "work"})

	_, err := q.Assign(task.ID, "agent-1", task.Generation+5, nil)
	assert.ErrorIs(t, err, ErrStaleGeneration)

	_, err = q.Assign(task.ID, "agent-1", task.Generation, nil)
	require.NoError(t, err)

	// Second assign of the same generation must fail: not queued.
	_, err = q.Assign(task.ID, "agent-2", task.Generation, nil)
	assert.ErrorIs(t, err, ErrStaleGeneration)
}

func TestGenerationFencingDropsLateCompletion(t *testing.T) {
	// Scenario: a task is assigned, the agent falls silent, the sweep
	// reclaims it, and the original agent's completion arrives late
	// with the old generation.
	q, _ := newTestQueue(t)
	task := submit(t, q, SubmitParams{Description: "work"})

	assigned, err := q.Assign(task.ID, "agent-1", 0, nil)
	require.NoError(t, err)
	oldGen := assigned.Generation

	require.NoError(t, q.Requeue(task.ID, "stuck"))

	err = q.Complete(task.ID, oldGen, map[string]any{"ok": true})
	assert.ErrorIs(t, err, ErrStaleGeneration)

	got, err := q.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueued, got.Status, "stale completion must not change the task")

	// Reassignment at the new generation completes normally.
	reassigned, err := q.Assign(task.ID, "agent-2", got.Generation, nil)
	require.NoError(t, err)
	require.NoError(t, q.Complete(task.ID, reassigned.Generation, map[string]any{"ok": true}))

	got, err = q.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, got.Status)
	assert.Empty(t, got.AssignedTo)
}

func TestFailRetriesThenDeadLetters(t *testing.T) {
	q, broker := newTestQueue(t)
	sub := broker.Subscribe(events.TopicTasks)

	task := submit(t, q, SubmitParams{Description: "flaky", MaxRetries: 2})

	// First failure consumes one retry and requeues.
	assigned, err := q.Assign(task.ID, "agent-1", task.Generation, nil)
	require.NoError(t, err)
	outcome, err := q.Fail(task.ID, assigned.Generation, "boom")
	require.NoError(t, err)
	assert.Equal(t, FailRetried, outcome)

	got, err := q.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	// Second failure exhausts the budget.
	assigned, err = q.Assign(task.ID, "agent-1", got.Generation, nil)
	require.NoError(t, err)
	outcome, err = q.Fail(task.ID, assigned.Generation, "boom again")
	require.NoError(t, err)
	assert.Equal(t, FailDeadLettered, outcome)

	got, err = q.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskDeadLettered, got.Status)
	assert.Equal(t, "boom again", got.DeadLetterReason)

	// Dead-lettered tasks leave the main table.
	live, err := q.List(Filter{})
	require.NoError(t, err)
	assert.Empty(t, live)

	drainUntil(t, sub, events.EventTaskDeadLettered)
}

func TestRetryDeadLetter(t *testing.T) {
	q, _ := newTestQueue(t)
	task := submit(t, q, SubmitParams{Description: "flaky", MaxRetries: 1})

	assigned, err := q.Assign(task.ID, "a", task.Generation, nil)
	require.NoError(t, err)
	outcome, err := q.Fail(task.ID, assigned.Generation, "dead")
	require.NoError(t, err)
	require.Equal(t, FailDeadLettered, outcome)

	revived, err := q.RetryDeadLetter(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueued, revived.Status)
	assert.Equal(t, 0, revived.RetryCount)
	assert.Greater(t, revived.Generation, assigned.Generation)

	dead, err := q.ListDeadLetters()
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestExpireQueued(t *testing.T) {
	q, _ := newTestQueue(t)
	stale := submit(t, q, SubmitParams{Description: "old"})
	submit(t, q, SubmitParams{Description: "fresh"})

	// Cutoff in the future expires both; cutoff in the past expires
	// neither. Use a cutoff between the two creation times via a
	// real clock delay-free trick: expire everything created before
	// "now + 1h" except tasks already assigned.
	n, err := q.ExpireQueued(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = q.ExpireQueued(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := q.Get(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskDeadLettered, got.Status)
	assert.Equal(t, "ttl_expired", got.DeadLetterReason)
}

func TestStaleAssigned(t *testing.T) {
	q, _ := newTestQueue(t)
	task := submit(t, q, SubmitParams{Description: "work"})
	_, err := q.Assign(task.ID, "agent-1", 0, nil)
	require.NoError(t, err)

	stale, err := q.StaleAssigned(time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)

	stale, err = q.StaleAssigned(time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, task.ID, stale[0].ID)
}

func TestListOrdersByPriorityThenAge(t *testing.T) {
	q, _ := newTestQueue(t)
	low := submit(t, q, SubmitParams{Description: "low", Priority: types.PriorityLow})
	first := submit(t, q, SubmitParams{Description: "normal one", Priority: types.PriorityNormal})
	second := submit(t, q, SubmitParams{Description: "normal two", Priority: types.PriorityNormal})
	urgent := submit(t, q, SubmitParams{Description: "urgent", Priority: types.PriorityUrgent})

	tasks, err := q.List(Filter{Status: types.TaskQueued})
	require.NoError(t, err)
	require.Len(t, tasks, 4)
	assert.Equal(t, urgent.ID, tasks[0].ID)
	assert.Equal(t, first.ID, tasks[1].ID)
	assert.Equal(t, second.ID, tasks[2].ID)
	assert.Equal(t, low.ID, tasks[3].ID)
}

func TestStatsCountsByStatus(t *testing.T) {
	q, _ := newTestQueue(t)
	submit(t, q, SubmitParams{Description: "stays queued"})
	b := submit(t, q, SubmitParams{Description: "gets assigned"})

	_, err := q.Assign(b.ID, "agent-1", b.Generation, nil)
	require.NoError(t, err)

	counts, err := q.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.TaskQueued])
	assert.Equal(t, 1, counts[types.TaskAssigned])
}

func TestGoalProgress(t *testing.T) {
	q, _ := newTestQueue(t)
	a := submit(t, q, SubmitParams{Description: "a", GoalID: "g1"})
	b := submit(t, q, SubmitParams{Description: "b", GoalID: "g1"})
	submit(t, q, SubmitParams{Description: "other goal", GoalID: "g2"})

	assigned, err := q.Assign(a.ID, "agent", a.Generation, nil)
	require.NoError(t, err)
	require.NoError(t, q.Complete(a.ID, assigned.Generation, nil))

	p, err := q.GoalProgress("g1")
	require.NoError(t, err)
	assert.Equal(t, types.GoalProgress{Pending: 1, Completed: 1, Failed: 0}, p)
	assert.False(t, p.Done())

	assigned, err = q.Assign(b.ID, "agent", b.Generation, nil)
	require.NoError(t, err)
	require.NoError(t, q.Complete(b.ID, assigned.Generation, nil))

	p, err = q.GoalProgress("g1")
	require.NoError(t, err)
	assert.True(t, p.Done())
}

func TestDepsSatisfied(t *testing.T) {
	q, _ := newTestQueue(t)
	dep := submit(t, q, SubmitParams{Description: "dep"})
	task := submit(t, q, SubmitParams{Description: "dependent", DependsOn: []string{dep.ID}})

	assert.False(t, q.DepsSatisfied(task))

	assigned, err := q.Assign(dep.ID, "agent", dep.Generation, nil)
	require.NoError(t, err)
	require.NoError(t, q.Complete(dep.ID, assigned.Generation, nil))

	assert.True(t, q.DepsSatisfied(task))

	missing := &types.Task{DependsOn: []string{"nope"}}
	assert.False(t, q.DepsSatisfied(missing))
}

func TestTaskSurvivesRoundTrip(t *testing.T) {
	q, _ := newTestQueue(t)
	task := submit(t, q, SubmitParams{
		Description:     "round trip",
		FileHints:       []types.FileHint{{Path: "lib/a.go", Reason: "entry point"}},
		SuccessCriteria: []string{"builds"},
		VerificationSteps: []types.VerificationStep{
			{Type: "command", Target: "go test ./...", Description: "unit tests"},
		},
		RequiredCaps: []string{"golang"},
	})

	got, err := q.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, task.FileHints, got.FileHints)
	assert.Equal(t, task.SuccessCriteria, got.SuccessCriteria)
	assert.Equal(t, task.VerificationSteps, got.VerificationSteps)
	assert.Equal(t, task.RequiredCaps, got.RequiredCaps)
	assert.Equal(t, task.Complexity, got.Complexity)
}

func drainUntil(t *testing.T, sub events.Subscriber, want events.EventType) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == want {
				return
			}
		case <-deadline:
			t.Fatalf("event %s never arrived", want)
		}
	}
}
