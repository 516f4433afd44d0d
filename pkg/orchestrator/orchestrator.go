package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentcom/agentcom/pkg/backlog"
	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/llm"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/queue"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/agentcom/agentcom/pkg/workspace"
	"github.com/rs/zerolog"
)

const (
	// llmTimeout bounds each async decomposition or verification call.
	llmTimeout = 120 * time.Second
	// maxVerificationRetries caps verification-driven follow-up
	// cycles; the next failure marks the goal for human review.
	maxVerificationRetries = 2
	// manyTasksWarning is the plan size above which a warning is
	// logged but the plan still submitted.
	manyTasksWarning = 10
)

// Decomposer produces a task plan for a goal. Implemented by the LLM
// client.
type Decomposer interface {
	Decompose(ctx context.Context, req llm.DecomposeRequest) (*llm.Decomposition, error)
}

// Verifier judges a goal's outcome. Implemented by the LLM client.
type Verifier interface {
	Verify(ctx context.Context, req llm.VerifyRequest) (*llm.Verdict, error)
}

// phase is where a tracked goal sits in the orchestration pipeline.
type phase string

const (
	phaseDecomposing phase = "decomposing"
	phaseExecuting   phase = "executing"
	phaseVerifying   phase = "verifying"
)

// run is the orchestrator's in-memory state for one active goal.
type run struct {
	goalID      string
	phase       phase
	taskIDs     []string
	dagRetried  bool
	fileRetried bool
	// verifyPending marks a verifying goal whose LLM call has not
	// been dispatched yet.
	verifyPending bool
	// feedback carries re-prompt context into the next decomposition
	// attempt.
	feedback string
	// stripFiles tells the next submission pass to drop unresolved
	// file references instead of re-prompting again.
	stripFiles bool
}

// result is what an async LLM call posts back to the orchestrator.
type result struct {
	goalID  string
	plan    *llm.Decomposition
	verdict *llm.Verdict
	err     error
}

// Orchestrator drives goals from submitted to complete or failed. The
// hub calls Tick once per second while executing; every tick is
// non-blocking and dispatches at most one asynchronous LLM call.
type Orchestrator struct {
	backlog    *backlog.Backlog
	queue      *queue.Queue
	workspace  *workspace.Manager
	decomposer Decomposer
	verifier   Verifier
	broker     *events.Broker

	mu         sync.Mutex
	runs       map[string]*run
	inFlight   bool
	resultCh   chan result
	taskEvents events.Subscriber
	logger     zerolog.Logger
}

// New creates a goal orchestrator. It subscribes to the tasks topic
// for completion monitoring.
func New(bl *backlog.Backlog, q *queue.Queue, ws *workspace.Manager, dec Decomposer, ver Verifier, broker *events.Broker) *Orchestrator {
	o := &Orchestrator{
		backlog:    bl,
		queue:      q,
		workspace:  ws,
		decomposer: dec,
		verifier:   ver,
		broker:     broker,
		runs:       make(map[string]*run),
		resultCh:   make(chan result, 4),
		logger:     log.WithComponent("orchestrator"),
	}
	if broker != nil {
		o.taskEvents = broker.Subscribe(events.TopicTasks)
	}
	return o
}

// ActiveGoals returns the number of goals the orchestrator is
// currently driving. Hub predicates read this.
func (o *Orchestrator) ActiveGoals() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.runs)
}

// Tick advances orchestration by one step: apply any finished LLM
// call, fold in task events, and dispatch at most one new async call.
// Never blocks.
func (o *Orchestrator) Tick() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.drainResultsLocked()
	o.drainTaskEventsLocked()

	if o.inFlight {
		return
	}

	// Verification first: it unblocks goals that already consumed
	// agent time.
	for _, r := range o.runs {
		if r.phase == phaseVerifying && r.verifyPending {
			o.dispatchVerifyLocked(r)
			return
		}
	}
	for _, r := range o.runs {
		if r.phase == phaseDecomposing {
			o.dispatchDecomposeLocked(r)
			return
		}
	}

	goal, err := o.backlog.Dequeue()
	if err != nil {
		if !errors.Is(err, backlog.ErrNone) {
			o.logger.Error().Err(err).Msg("dequeue failed")
		}
		return
	}
	r := &run{goalID: goal.ID, phase: phaseDecomposing}
	o.runs[goal.ID] = r
	o.dispatchDecomposeLocked(r)
}

// drainResultsLocked applies every finished async call.
func (o *Orchestrator) drainResultsLocked() {
	for {
		select {
		case res := <-o.resultCh:
			o.inFlight = false
			o.applyResultLocked(res)
		default:
			return
		}
	}
}

// drainTaskEventsLocked folds completion events into goal progress.
func (o *Orchestrator) drainTaskEventsLocked() {
	if o.taskEvents == nil {
		return
	}
	for {
		select {
		case ev := <-o.taskEvents:
			if ev == nil {
				return
			}
			if ev.GoalID == "" {
				continue
			}
			if ev.Type != events.EventTaskCompleted && ev.Type != events.EventTaskDeadLettered {
				continue
			}
			o.checkProgressLocked(ev.GoalID)
		default:
			return
		}
	}
}

// checkProgressLocked moves an executing goal to verifying when every
// child task has finished, or fails it when children dead-lettered.
func (o *Orchestrator) checkProgressLocked(goalID string) {
	r, ok := o.runs[goalID]
	if !ok || r.phase != phaseExecuting {
		return
	}
	if _, err := o.backlog.Get(goalID); err != nil {
		// Goal deleted mid-flight; discard the run and let its tasks
		// finish into the void.
		if errors.Is(err, storage.ErrNotFound) {
			delete(o.runs, goalID)
		}
		return
	}

	progress, err := o.queue.GoalProgress(goalID)
	if err != nil {
		o.logger.Error().Err(err).Str("goal_id", goalID).Msg("progress check failed")
		return
	}
	if progress.Pending > 0 {
		return
	}
	if progress.Failed > 0 {
		o.failGoalLocked(r, fmt.Sprintf("%d child tasks dead-lettered", progress.Failed))
		return
	}

	r.phase = phaseVerifying
	r.verifyPending = true
	if _, err := o.backlog.Transition(goalID, types.GoalVerifying, "all tasks completed"); err != nil {
		o.logger.Error().Err(err).Str("goal_id", goalID).Msg("failed to enter verifying")
	}
}

// dispatchDecomposeLocked spawns the async decomposition call.
func (o *Orchestrator) dispatchDecomposeLocked(r *run) {
	goal, err := o.backlog.Get(r.goalID)
	if err != nil {
		delete(o.runs, r.goalID)
		return
	}

	var tree []string
	if o.workspace != nil && goal.Repo != "" {
		if tree, err = o.workspace.FileTree(goal.Repo); err != nil {
			o.logger.Warn().Err(err).Str("goal_id", r.goalID).Msg("file tree unavailable")
		}
	}

	req := llm.DecomposeRequest{Goal: goal, FileTree: tree, Feedback: r.feedback}
	o.inFlight = true
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), llmTimeout)
		defer cancel()
		plan, err := o.decomposer.Decompose(ctx, req)
		o.resultCh <- result{goalID: r.goalID, plan: plan, err: err}
	}()
}

// dispatchVerifyLocked spawns the async verification call.
func (o *Orchestrator) dispatchVerifyLocked(r *run) {
	goal, err := o.backlog.Get(r.goalID)
	if err != nil {
		delete(o.runs, r.goalID)
		return
	}
	summary, err := o.resultsSummary(r.goalID)
	if err != nil {
		o.logger.Error().Err(err).Str("goal_id", r.goalID).Msg("failed to gather results")
		return
	}

	r.verifyPending = false
	req := llm.VerifyRequest{Goal: goal, ResultsSummary: summary}
	o.inFlight = true
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), llmTimeout)
		defer cancel()
		verdict, err := o.verifier.Verify(ctx, req)
		o.resultCh <- result{goalID: r.goalID, verdict: verdict, err: err}
	}()
}

// applyResultLocked routes a finished async call to its handler.
func (o *Orchestrator) applyResultLocked(res result) {
	r, ok := o.runs[res.goalID]
	if !ok {
		return
	}

	if errors.Is(res.err, llm.ErrBudgetExhausted) {
		// Leave the goal in place; the hub sees the exhausted budget
		// and cycles out of executing. Verification re-runs when the
		// window resets.
		o.logger.Warn().Str("goal_id", res.goalID).Msg("llm budget exhausted, pausing goal")
		if r.phase == phaseVerifying {
			r.verifyPending = true
		}
		return
	}

	switch r.phase {
	case phaseDecomposing:
		o.applyDecompositionLocked(r, res)
	case phaseVerifying:
		o.applyVerdictLocked(r, res)
	}
}

func (o *Orchestrator) applyDecompositionLocked(r *run, res result) {
	if res.err != nil {
		o.failGoalLocked(r, "decomposition error: "+res.err.Error())
		return
	}

	goal, err := o.backlog.Get(r.goalID)
	if err != nil {
		delete(o.runs, r.goalID)
		return
	}

	if err := ValidatePlan(res.plan.Tasks); err != nil {
		if r.dagRetried {
			o.failGoalLocked(r, "decomposition_invalid: "+err.Error())
			return
		}
		r.dagRetried = true
		r.feedback = err.Error()
		o.logger.Warn().Str("goal_id", r.goalID).Str("feedback", r.feedback).
			Msg("plan rejected, re-prompting")
		return
	}

	plan := res.plan.Tasks
	var tree []string
	if o.workspace != nil && goal.Repo != "" {
		tree, _ = o.workspace.FileTree(goal.Repo)
	}
	if missing := missingFiles(plan, tree); len(missing) > 0 {
		if !r.fileRetried {
			r.fileRetried = true
			r.feedback = "these files do not exist: " + strings.Join(missing, ", ")
			o.logger.Warn().Str("goal_id", r.goalID).Strs("missing", missing).
				Msg("plan references missing files, re-prompting")
			return
		}
		plan = stripMissingFiles(plan, tree)
		o.logger.Warn().Str("goal_id", r.goalID).Strs("missing", missing).
			Msg("stripping unresolved file references")
	}

	if len(plan) > manyTasksWarning {
		o.logger.Warn().Str("goal_id", r.goalID).Int("tasks", len(plan)).
			Msg("unusually large plan, submitting anyway")
	}

	if err := o.submitPlanLocked(r, goal, plan); err != nil {
		o.failGoalLocked(r, "task submission failed: "+err.Error())
		return
	}

	r.phase = phaseExecuting
	if _, err := o.backlog.Transition(r.goalID, types.GoalExecuting,
		fmt.Sprintf("%d tasks submitted", len(r.taskIDs))); err != nil {
		o.logger.Error().Err(err).Str("goal_id", r.goalID).Msg("failed to enter executing")
	}
}

// submitPlanLocked submits planned tasks in topological order,
// resolving depends_on indices to real task ids as it goes.
func (o *Orchestrator) submitPlanLocked(r *run, goal *types.Goal, plan []llm.PlannedTask) error {
	order, err := TopologicalOrder(plan)
	if err != nil {
		return err
	}

	idByIndex := make(map[int]string, len(plan))
	for _, idx := range order {
		pt := plan[idx]
		deps := make([]string, 0, len(pt.DependsOn))
		for _, depIdx := range pt.DependsOn {
			deps = append(deps, idByIndex[depIdx])
		}

		task, _, err := o.queue.Submit(queue.SubmitParams{
			Description:     pt.Description,
			GoalID:          goal.ID,
			DependsOn:       deps,
			Repo:            goal.Repo,
			FileHints:       pt.FileHints,
			SuccessCriteria: pt.SuccessCriteria,
			Priority:        goal.Priority,
			ComplexityTier:  pt.ComplexityTier,
		})
		if err != nil {
			return err
		}
		idByIndex[idx] = task.ID
		r.taskIDs = append(r.taskIDs, task.ID)
	}
	return nil
}

func (o *Orchestrator) applyVerdictLocked(r *run, res result) {
	if res.err != nil {
		// Transient verifier failure: retry on a later tick without
		// burning a verification cycle.
		o.logger.Warn().Err(res.err).Str("goal_id", r.goalID).Msg("verification errored, will retry")
		r.verifyPending = true
		return
	}

	if res.verdict.Pass() {
		if _, err := o.backlog.Transition(r.goalID, types.GoalComplete, "verification passed"); err != nil {
			o.logger.Error().Err(err).Str("goal_id", r.goalID).Msg("failed to complete goal")
		}
		delete(o.runs, r.goalID)
		return
	}

	goal, err := o.backlog.Get(r.goalID)
	if err != nil {
		delete(o.runs, r.goalID)
		return
	}
	if goal.VerificationRetries >= maxVerificationRetries {
		o.failGoalLocked(r, "needs_human_review")
		return
	}

	for _, gap := range res.verdict.Gaps {
		priority := goal.Priority
		if gap.Severity == "critical" {
			priority = priority.Bump()
		}
		task, _, err := o.queue.Submit(queue.SubmitParams{
			Description: "Follow-up: " + gap.Description,
			GoalID:      goal.ID,
			Repo:        goal.Repo,
			Priority:    priority,
		})
		if err != nil {
			o.logger.Error().Err(err).Str("goal_id", r.goalID).Msg("failed to submit follow-up")
			continue
		}
		r.taskIDs = append(r.taskIDs, task.ID)
	}

	if _, err := o.backlog.BumpVerificationRetries(r.goalID); err != nil {
		o.logger.Error().Err(err).Str("goal_id", r.goalID).Msg("failed to bump retries")
	}
	r.phase = phaseExecuting
	if _, err := o.backlog.Transition(r.goalID, types.GoalExecuting,
		fmt.Sprintf("%d follow-up tasks for verification gaps", len(res.verdict.Gaps))); err != nil {
		o.logger.Error().Err(err).Str("goal_id", r.goalID).Msg("failed to re-enter executing")
	}
}

func (o *Orchestrator) failGoalLocked(r *run, reason string) {
	if _, err := o.backlog.Transition(r.goalID, types.GoalFailed, reason); err != nil {
		o.logger.Error().Err(err).Str("goal_id", r.goalID).Msg("failed to mark goal failed")
	}
	delete(o.runs, r.goalID)
}

// resultsSummary renders child-task outcomes for the verifier prompt.
func (o *Orchestrator) resultsSummary(goalID string) (string, error) {
	tasks, err := o.queue.TasksForGoal(goalID)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for i, t := range tasks {
		fmt.Fprintf(&sb, "%d. [%s] %s", i+1, t.Status, t.Description)
		if len(t.Result) > 0 {
			fmt.Fprintf(&sb, " result: %v", t.Result)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// missingFiles returns file-hint paths that do not exist in the tree.
// An empty tree disables the check; decomposition without a checkout
// still works.
func missingFiles(plan []llm.PlannedTask, tree []string) []string {
	if len(tree) == 0 {
		return nil
	}
	var missing []string
	seen := map[string]bool{}
	for _, pt := range plan {
		for _, hint := range pt.FileHints {
			if !workspace.Contains(tree, hint.Path) && !seen[hint.Path] {
				missing = append(missing, hint.Path)
				seen[hint.Path] = true
			}
		}
	}
	return missing
}

// stripMissingFiles drops unresolved file hints from a plan.
func stripMissingFiles(plan []llm.PlannedTask, tree []string) []llm.PlannedTask {
	out := make([]llm.PlannedTask, len(plan))
	for i, pt := range plan {
		kept := pt
		kept.FileHints = nil
		for _, hint := range pt.FileHints {
			if workspace.Contains(tree, hint.Path) {
				kept.FileHints = append(kept.FileHints, hint)
			}
		}
		out[i] = kept
	}
	return out
}
