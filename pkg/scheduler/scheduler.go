package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/agentcom/agentcom/pkg/agent"
	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/llmreg"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/metrics"
	"github.com/agentcom/agentcom/pkg/queue"
	"github.com/agentcom/agentcom/pkg/router"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/rs/zerolog"
)

// Config tunes the scheduler loops. Zero values select the defaults.
type Config struct {
	// SweepInterval is the period of the background pass.
	SweepInterval time.Duration
	// StuckAfter is the silence after which an assigned or in-progress
	// task is reclaimed.
	StuckAfter time.Duration
	// TaskTTL is the age after which a queued task is dead-lettered.
	TaskTTL time.Duration
	// FallbackWait is how long a task waits on its preferred tier
	// before a fallback decision is acted on.
	FallbackWait time.Duration
	// Routing is passed through to the router.
	Routing router.Config
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 5 * time.Minute
	}
	if c.TaskTTL <= 0 {
		c.TaskTTL = 10 * time.Minute
	}
	if c.FallbackWait <= 0 {
		c.FallbackWait = 5 * time.Second
	}
	if c.Routing.CloudModel == "" {
		c.Routing = router.DefaultConfig()
	}
	return c
}

// RepoView is the repo registry surface the scheduler filters on.
type RepoView interface {
	IsPaused(repoURL string) bool
}

// SnapshotFunc supplies the endpoint registry snapshot for routing.
type SnapshotFunc func() (*llmreg.Snapshot, error)

// Scheduler matches queued tasks to idle agents. Passes are triggered
// by task and agent events and by a periodic sweep; the sweep also
// reclaims stuck tasks and expires queued tasks past their TTL.
type Scheduler struct {
	queue    *queue.Queue
	agents   *agent.Registry
	repos    RepoView
	snapshot SnapshotFunc
	broker   *events.Broker
	cfg      Config

	kickCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// New creates a scheduler.
func New(q *queue.Queue, agents *agent.Registry, repos RepoView, snapshot SnapshotFunc, broker *events.Broker, cfg Config) *Scheduler {
	return &Scheduler{
		queue:    q,
		agents:   agents,
		repos:    repos,
		snapshot: snapshot,
		broker:   broker,
		cfg:      cfg.withDefaults(),
		kickCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("scheduler"),
	}
}

// Start launches the event listener and the sweep loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info().Dur("sweep_interval", s.cfg.SweepInterval).Msg("scheduler started")
}

// Stop terminates the loops.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Kick requests a scheduling pass. Collapses with any pass already
// pending.
func (s *Scheduler) Kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	var taskEvents, agentEvents events.Subscriber
	if s.broker != nil {
		taskEvents = s.broker.Subscribe(events.TopicTasks)
		agentEvents = s.broker.Subscribe(events.TopicAgents)
		defer s.broker.Unsubscribe(events.TopicTasks, taskEvents)
		defer s.broker.Unsubscribe(events.TopicAgents, agentEvents)
	}

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-taskEvents:
			if ev != nil && wakesScheduler(ev.Type) {
				s.Schedule()
			}
		case ev := <-agentEvents:
			if ev != nil {
				s.Schedule()
			}
		case <-s.kickCh:
			s.Schedule()
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}

func wakesScheduler(typ events.EventType) bool {
	switch typ {
	case events.EventTaskSubmitted, events.EventTaskCompleted,
		events.EventTaskFailed, events.EventTaskRequeued:
		return true
	}
	return false
}

// Sweep reclaims stuck tasks, expires queued tasks past the TTL, and
// runs a scheduling pass.
func (s *Scheduler) Sweep() {
	now := time.Now()

	stale, err := s.queue.StaleAssigned(now.Add(-s.cfg.StuckAfter))
	if err != nil {
		s.logger.Error().Err(err).Msg("stuck scan failed")
	}
	for _, task := range stale {
		agentID := task.AssignedTo
		if err := s.queue.Requeue(task.ID, "stuck"); err != nil {
			s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("failed to reclaim stuck task")
			continue
		}
		metrics.StuckTasksReclaimed.Inc()
		s.logger.Warn().Str("task_id", task.ID).Str("agent_id", agentID).Msg("reclaimed stuck task")
		if a, ok := s.agents.Get(agentID); ok {
			a.ClearTask(task.ID)
		}
	}

	if n, err := s.queue.ExpireQueued(now.Add(-s.cfg.TaskTTL)); err != nil {
		s.logger.Error().Err(err).Msg("ttl expiry failed")
	} else if n > 0 {
		s.logger.Warn().Int("count", n).Msg("expired queued tasks past ttl")
	}

	s.Schedule()
}

// Schedule runs one matching pass over the queued tasks.
func (s *Scheduler) Schedule() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	tasks, err := s.queue.List(queue.Filter{Status: types.TaskQueued})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list queued tasks")
		return
	}
	if len(tasks) == 0 {
		return
	}

	idle := s.agents.Idle()
	if len(idle) == 0 {
		return
	}

	var snap *llmreg.Snapshot
	if s.snapshot != nil {
		if snap, err = s.snapshot(); err != nil {
			s.logger.Error().Err(err).Msg("failed to snapshot endpoint registry")
			snap = nil
		}
	}

	for _, task := range tasks {
		if len(idle) == 0 {
			return
		}
		if s.repos != nil && task.Repo != "" && s.repos.IsPaused(task.Repo) {
			continue
		}
		if !s.queue.DepsSatisfied(task) {
			continue
		}

		decision := router.Route(task, snap, s.cfg.Routing)
		if decision.TargetType == types.TargetNone {
			continue
		}
		if decision.FallbackUsed {
			// Absorb transient endpoint outages before falling back.
			if time.Since(task.UpdatedAt) < s.cfg.FallbackWait {
				continue
			}
			metrics.RoutingFallbacks.WithLabelValues(
				string(decision.FallbackFromTier), string(decision.TargetType)).Inc()
		}

		slot := pickAgent(idle, task.RequiredCaps)
		if slot < 0 {
			continue
		}
		a := idle[slot]

		assigned, err := s.queue.Assign(task.ID, a.ID, task.Generation, &decision)
		if err != nil {
			if !errors.Is(err, queue.ErrStaleGeneration) && !errors.Is(err, queue.ErrNotQueued) {
				s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("assign failed")
			}
			continue
		}
		if err := a.PushTask(assigned); err != nil {
			// The agent raced to non-idle. Undo the assignment.
			if rqErr := s.queue.Requeue(task.ID, "push_failed"); rqErr != nil {
				s.logger.Error().Err(rqErr).Str("task_id", task.ID).Msg("failed to undo assignment")
			}
			continue
		}

		s.logger.Info().Str("task_id", task.ID).Str("agent_id", a.ID).
			Str("target", string(decision.TargetType)).Msg("task scheduled")
		idle = append(idle[:slot], idle[slot+1:]...)
	}
}

// pickAgent returns the index of the first idle agent covering the
// required capabilities, or -1.
func pickAgent(idle []*agent.Agent, required []string) int {
	for i, a := range idle {
		if a.HasCapabilities(required) {
			return i
		}
	}
	return -1
}
