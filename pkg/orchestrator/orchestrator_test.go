package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentcom/agentcom/pkg/backlog"
	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/llm"
	"github.com/agentcom/agentcom/pkg/queue"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/agentcom/agentcom/pkg/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticRepo string

func (s staticRepo) Default() (string, error) { return string(s), nil }

// scriptedDecomposer replays a fixed sequence of plans, repeating the
// last one, and records every request it saw.
type scriptedDecomposer struct {
	mu       sync.Mutex
	plans    []*llm.Decomposition
	err      error
	requests []llm.DecomposeRequest
}

func (d *scriptedDecomposer) Decompose(_ context.Context, req llm.DecomposeRequest) (*llm.Decomposition, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	if d.err != nil {
		return nil, d.err
	}
	plan := d.plans[0]
	if len(d.plans) > 1 {
		d.plans = d.plans[1:]
	}
	return plan, nil
}

func (d *scriptedDecomposer) calls() []llm.DecomposeRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]llm.DecomposeRequest(nil), d.requests...)
}

type scriptedVerifier struct {
	mu       sync.Mutex
	verdicts []*llm.Verdict
	requests []llm.VerifyRequest
}

func (v *scriptedVerifier) Verify(_ context.Context, req llm.VerifyRequest) (*llm.Verdict, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.requests = append(v.requests, req)
	verdict := v.verdicts[0]
	if len(v.verdicts) > 1 {
		v.verdicts = v.verdicts[1:]
	}
	return verdict, nil
}

func (v *scriptedVerifier) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.requests)
}

type orchEnv struct {
	backlog *backlog.Backlog
	queue   *queue.Queue
	orch    *Orchestrator
	dec     *scriptedDecomposer
	ver     *scriptedVerifier
}

func newOrchEnv(t *testing.T, ws *workspace.Manager) *orchEnv {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	env := &orchEnv{
		backlog: backlog.New(store, broker),
		queue:   queue.New(store, broker, staticRepo("https://git.local/demo/app")),
		dec:     &scriptedDecomposer{},
		ver:     &scriptedVerifier{verdicts: []*llm.Verdict{{Verdict: "pass"}}},
	}
	env.orch = New(env.backlog, env.queue, ws, env.dec, env.ver, broker)
	return env
}

// tickUntil drives the orchestrator until the condition holds.
func tickUntil(t *testing.T, o *Orchestrator, msg string, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		o.Tick()
		return cond()
	}, 2*time.Second, 5*time.Millisecond, msg)
}

func goalStatusIs(env *orchEnv, goalID string, want types.GoalStatus) func() bool {
	return func() bool {
		goal, err := env.backlog.Get(goalID)
		return err == nil && goal.Status == want
	}
}

func submitGoal(t *testing.T, env *orchEnv, repo string) *types.Goal {
	t.Helper()
	goal, err := env.backlog.Submit(backlog.SubmitParams{
		Description:     "add a health endpoint to the demo app",
		SuccessCriteria: []string{"GET /healthz returns 200"},
		Repo:            repo,
	})
	require.NoError(t, err)
	return goal
}

// finishAll assigns and completes every pending child task of a goal.
func finishAll(t *testing.T, env *orchEnv, goalID string) {
	t.Helper()
	tasks, err := env.queue.TasksForGoal(goalID)
	require.NoError(t, err)
	for _, task := range tasks {
		if task.Status != types.TaskQueued {
			continue
		}
		assigned, err := env.queue.Assign(task.ID, "agent-1", task.Generation, nil)
		require.NoError(t, err)
		require.NoError(t, env.queue.Complete(task.ID, assigned.Generation, map[string]any{"ok": true}))
	}
}

func TestDecompositionSubmitsTasksInDependencyOrder(t *testing.T) {
	env := newOrchEnv(t, nil)
	env.dec.plans = []*llm.Decomposition{{Tasks: []llm.PlannedTask{
		{Description: "write the handler"},
		{Description: "register the route", DependsOn: []int{0}},
		{Description: "add an integration test", DependsOn: []int{0, 1}},
	}}}

	goal := submitGoal(t, env, "")
	tickUntil(t, env.orch, "goal should reach executing", goalStatusIs(env, goal.ID, types.GoalExecuting))

	tasks, err := env.queue.TasksForGoal(goal.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	byDesc := make(map[string]*types.Task)
	for _, task := range tasks {
		byDesc[task.Description] = task
		assert.Equal(t, goal.ID, task.GoalID)
	}
	handler := byDesc["write the handler"]
	route := byDesc["register the route"]
	test := byDesc["add an integration test"]
	require.NotNil(t, handler)
	require.NotNil(t, route)
	require.NotNil(t, test)

	assert.Empty(t, handler.DependsOn)
	assert.Equal(t, []string{handler.ID}, route.DependsOn)
	assert.ElementsMatch(t, []string{handler.ID, route.ID}, test.DependsOn)

	assert.Equal(t, 1, env.orch.ActiveGoals())
}

func TestInvalidPlanRepromptedOnceThenFailed(t *testing.T) {
	env := newOrchEnv(t, nil)
	cyclic := &llm.Decomposition{Tasks: []llm.PlannedTask{
		{Description: "a", DependsOn: []int{1}},
		{Description: "b", DependsOn: []int{0}},
	}}
	env.dec.plans = []*llm.Decomposition{cyclic}

	goal := submitGoal(t, env, "")
	tickUntil(t, env.orch, "goal should fail after the retry", goalStatusIs(env, goal.ID, types.GoalFailed))

	calls := env.dec.calls()
	require.Len(t, calls, 2)
	assert.Empty(t, calls[0].Feedback)
	assert.Contains(t, calls[1].Feedback, "cycle")

	failed, err := env.backlog.Get(goal.ID)
	require.NoError(t, err)
	assert.Contains(t, failed.FailureReason, "decomposition_invalid")
	assert.Zero(t, env.orch.ActiveGoals())
}

func TestMissingFileRepromptCarriesPaths(t *testing.T) {
	root := t.TempDir()
	repoURL := "https://git.local/demo/app"
	checkout := filepath.Join(root, "git.local", "demo", "app")
	require.NoError(t, os.MkdirAll(filepath.Join(checkout, "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(checkout, "lib", "present.go"), []byte("package lib\n"), 0o644))

	env := newOrchEnv(t, workspace.NewManager(root))
	env.dec.plans = []*llm.Decomposition{
		{Tasks: []llm.PlannedTask{{
			Description: "edit the missing file",
			FileHints:   []types.FileHint{{Path: "lib/absent.go"}},
		}}},
		{Tasks: []llm.PlannedTask{{
			Description: "edit the real file",
			FileHints:   []types.FileHint{{Path: "lib/present.go"}},
		}}},
	}

	goal := submitGoal(t, env, repoURL)
	tickUntil(t, env.orch, "goal should reach executing", goalStatusIs(env, goal.ID, types.GoalExecuting))

	calls := env.dec.calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].Feedback, "lib/absent.go")
	assert.Contains(t, calls[1].FileTree, "lib/present.go")

	tasks, err := env.queue.TasksForGoal(goal.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Len(t, tasks[0].FileHints, 1)
	assert.Equal(t, "lib/present.go", tasks[0].FileHints[0].Path)
}

func TestMissingFileStrippedAfterSecondAttempt(t *testing.T) {
	root := t.TempDir()
	repoURL := "https://git.local/demo/app"
	checkout := filepath.Join(root, "git.local", "demo", "app")
	require.NoError(t, os.MkdirAll(checkout, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(checkout, "README.md"), []byte("demo\n"), 0o644))

	env := newOrchEnv(t, workspace.NewManager(root))
	stubborn := &llm.Decomposition{Tasks: []llm.PlannedTask{{
		Description: "edit a file the model invented",
		FileHints:   []types.FileHint{{Path: "src/ghost.go"}},
	}}}
	env.dec.plans = []*llm.Decomposition{stubborn}

	goal := submitGoal(t, env, repoURL)
	tickUntil(t, env.orch, "goal should reach executing", goalStatusIs(env, goal.ID, types.GoalExecuting))

	require.Len(t, env.dec.calls(), 2)
	tasks, err := env.queue.TasksForGoal(goal.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Empty(t, tasks[0].FileHints, "unresolved hints dropped on the second attempt")
}

func TestCompletionVerifiedAndGoalCompleted(t *testing.T) {
	env := newOrchEnv(t, nil)
	env.dec.plans = []*llm.Decomposition{{Tasks: []llm.PlannedTask{
		{Description: "do the one thing"},
	}}}

	goal := submitGoal(t, env, "")
	tickUntil(t, env.orch, "goal should reach executing", goalStatusIs(env, goal.ID, types.GoalExecuting))

	finishAll(t, env, goal.ID)
	tickUntil(t, env.orch, "goal should complete after verification", goalStatusIs(env, goal.ID, types.GoalComplete))

	require.Equal(t, 1, env.ver.callCount())
	env.ver.mu.Lock()
	summary := env.ver.requests[0].ResultsSummary
	env.ver.mu.Unlock()
	assert.Contains(t, summary, "do the one thing")
	assert.Contains(t, summary, string(types.TaskCompleted))

	assert.Zero(t, env.orch.ActiveGoals())
}

func TestVerificationGapsSpawnFollowUpsThenHumanReview(t *testing.T) {
	env := newOrchEnv(t, nil)
	env.dec.plans = []*llm.Decomposition{{Tasks: []llm.PlannedTask{
		{Description: "initial attempt"},
	}}}
	env.ver.verdicts = []*llm.Verdict{{
		Verdict: "fail",
		Gaps:    []llm.Gap{{Description: "endpoint returns 500", Severity: "critical"}},
	}}

	goal := submitGoal(t, env, "")
	tickUntil(t, env.orch, "goal should reach executing", goalStatusIs(env, goal.ID, types.GoalExecuting))

	// Two failed verifications each spawn a follow-up cycle.
	for cycle := 1; cycle <= 2; cycle++ {
		finishAll(t, env, goal.ID)
		tickUntil(t, env.orch, "goal should re-enter executing", func() bool {
			goal, err := env.backlog.Get(goal.ID)
			return err == nil && goal.Status == types.GoalExecuting && goal.VerificationRetries == cycle
		})

		tasks, err := env.queue.TasksForGoal(goal.ID)
		require.NoError(t, err)
		require.Len(t, tasks, 1+cycle)
		latest := tasks[len(tasks)-1]
		for _, task := range tasks {
			if task.CreatedAt.After(latest.CreatedAt) {
				latest = task
			}
		}
		assert.Equal(t, "Follow-up: endpoint returns 500", latest.Description)
		assert.Equal(t, types.PriorityHigh, latest.Priority, "critical gap bumps priority")
	}

	// The third failure exhausts the retry budget.
	finishAll(t, env, goal.ID)
	tickUntil(t, env.orch, "goal should fail for human review", goalStatusIs(env, goal.ID, types.GoalFailed))

	failed, err := env.backlog.Get(goal.ID)
	require.NoError(t, err)
	assert.Equal(t, "needs_human_review", failed.FailureReason)
	assert.Equal(t, 3, env.ver.callCount())
	assert.Zero(t, env.orch.ActiveGoals())
}

func TestDeadLetteredChildFailsGoal(t *testing.T) {
	env := newOrchEnv(t, nil)
	env.dec.plans = []*llm.Decomposition{{Tasks: []llm.PlannedTask{
		{Description: "doomed task"},
	}}}

	goal := submitGoal(t, env, "")
	tickUntil(t, env.orch, "goal should reach executing", goalStatusIs(env, goal.ID, types.GoalExecuting))

	tasks, err := env.queue.TasksForGoal(goal.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	task := tasks[0]
	for {
		assigned, err := env.queue.Assign(task.ID, "agent-1", task.Generation, nil)
		require.NoError(t, err)
		outcome, err := env.queue.Fail(task.ID, assigned.Generation, "build broken")
		require.NoError(t, err)
		if outcome == queue.FailDeadLettered {
			break
		}
		task, err = env.queue.Get(task.ID)
		require.NoError(t, err)
	}

	tickUntil(t, env.orch, "goal should fail once its task dead-letters", goalStatusIs(env, goal.ID, types.GoalFailed))

	failed, err := env.backlog.Get(goal.ID)
	require.NoError(t, err)
	assert.Contains(t, failed.FailureReason, "dead-lettered")
	assert.Equal(t, 0, env.ver.callCount(), "no verification for a failed goal")
}

func TestBudgetExhaustionLeavesGoalInPlace(t *testing.T) {
	env := newOrchEnv(t, nil)
	env.dec.err = llm.ErrBudgetExhausted

	goal := submitGoal(t, env, "")
	tickUntil(t, env.orch, "goal should be dequeued", goalStatusIs(env, goal.ID, types.GoalDecomposing))

	for i := 0; i < 5; i++ {
		env.orch.Tick()
		time.Sleep(5 * time.Millisecond)
	}

	current, err := env.backlog.Get(goal.ID)
	require.NoError(t, err)
	assert.Equal(t, types.GoalDecomposing, current.Status, "goal waits out the budget window")
	assert.Equal(t, 1, env.orch.ActiveGoals())
}

func TestDeletedGoalRunDiscarded(t *testing.T) {
	env := newOrchEnv(t, nil)
	env.dec.plans = []*llm.Decomposition{{Tasks: []llm.PlannedTask{
		{Description: "orphaned work"},
	}}}

	goal := submitGoal(t, env, "")
	tickUntil(t, env.orch, "goal should reach executing", goalStatusIs(env, goal.ID, types.GoalExecuting))

	require.NoError(t, env.backlog.Delete(goal.ID))
	finishAll(t, env, goal.ID)

	tickUntil(t, env.orch, "run should be discarded", func() bool {
		return env.orch.ActiveGoals() == 0
	})
	assert.Equal(t, 0, env.ver.callCount())
}
