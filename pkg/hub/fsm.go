package hub

import (
	"sync"
	"time"

	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/metrics"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const maxHistory = 200

// Config tunes the hub cycle. Zero values select the defaults.
type Config struct {
	// TickInterval is the predicate evaluation period.
	TickInterval time.Duration
	// Watchdog is the maximum dwell time in any non-resting state
	// before the FSM is forced back to resting.
	Watchdog time.Duration
	// IdleAfter is how long resting must last before the FSM drifts
	// into improving.
	IdleAfter time.Duration
	// HealingCooldown is the minimum gap between healing cycles.
	HealingCooldown time.Duration
	// HealingWindow bounds the rolling window that caps healing at
	// three attempts.
	HealingWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.Watchdog <= 0 {
		c.Watchdog = 2 * time.Hour
	}
	if c.IdleAfter <= 0 {
		c.IdleAfter = 10 * time.Minute
	}
	if c.HealingCooldown <= 0 {
		c.HealingCooldown = 5 * time.Minute
	}
	if c.HealingWindow <= 0 {
		c.HealingWindow = 30 * time.Minute
	}
	return c
}

const maxHealingAttempts = 3

// Sources are the signal probes the FSM samples on every tick. Nil
// probes read as zero.
type Sources struct {
	PendingGoals    func() int
	ActiveGoals     func() int
	BudgetExhausted func() bool
	CriticalHealth  func() bool
}

// Hooks are the side effects the FSM drives. All are optional.
type Hooks struct {
	// OrchestratorTick runs on every executing tick that did not
	// transition.
	OrchestratorTick func()
	// Improve, Contemplate and Heal are the state work functions.
	// Each runs once per entry into its state; the FSM moves on when
	// it returns.
	Improve     func() error
	Contemplate func() error
	Heal        func() error
	// NotifyState is called after every transition with the new state.
	// The LLM cost ledger hangs off this.
	NotifyState func(types.HubState)
}

// Status is the externally visible FSM state, served by the API.
type Status struct {
	State           types.HubState `json:"state"`
	Paused          bool           `json:"paused"`
	CycleCount      uint64         `json:"cycle_count"`
	TransitionCount uint64         `json:"transition_count"`
	EnteredAt       time.Time      `json:"entered_at"`
}

// FSM is the singleton controller of the autonomous hub cycle. It
// starts resting and moves between states purely on ticked predicate
// evaluation; nothing else mutates the state.
type FSM struct {
	cfg     Config
	sources Sources
	hooks   Hooks
	broker  *events.Broker

	mu           sync.Mutex
	state        types.HubState
	enteredAt    time.Time
	paused       bool
	cycleDone    bool
	workSeq      uint64
	cycleCount   uint64
	transitions  uint64
	history      []types.HubTransition
	healingRuns  []time.Time
	healingEndAt time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// New creates the hub FSM in the resting state.
func New(sources Sources, hooks Hooks, broker *events.Broker, cfg Config) *FSM {
	return &FSM{
		cfg:       cfg.withDefaults(),
		sources:   sources,
		hooks:     hooks,
		broker:    broker,
		state:     types.HubResting,
		enteredAt: time.Now(),
		stopCh:    make(chan struct{}),
		logger:    log.WithComponent("hub"),
	}
}

// Start launches the tick loop.
func (f *FSM) Start() {
	f.wg.Add(1)
	go f.run()
	f.logger.Info().Dur("tick", f.cfg.TickInterval).Msg("hub fsm started")
}

// Stop terminates the tick loop.
func (f *FSM) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
	f.wg.Wait()
}

func (f *FSM) run() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.Tick(time.Now())
		case <-f.stopCh:
			return
		}
	}
}

// Pause halts transitions. The FSM keeps answering status queries but
// ignores ticks until resumed. In-flight tasks and LLM calls are not
// affected.
func (f *FSM) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
	f.logger.Info().Str("state", string(f.state)).Msg("hub paused")
}

// Resume re-enables transitions.
func (f *FSM) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
	f.logger.Info().Str("state", string(f.state)).Msg("hub resumed")
}

// State returns the current state.
func (f *FSM) State() types.HubState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Status returns the externally visible FSM snapshot.
func (f *FSM) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Status{
		State:           f.state,
		Paused:          f.paused,
		CycleCount:      f.cycleCount,
		TransitionCount: f.transitions,
		EnteredAt:       f.enteredAt,
	}
}

// History returns the bounded transition log, oldest first.
func (f *FSM) History() []types.HubTransition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.HubTransition(nil), f.history...)
}

// Tick evaluates the predicates once against the given clock reading
// and applies at most one transition. The run loop calls this every
// second; tests call it directly.
func (f *FSM) Tick(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.paused {
		return
	}

	if f.state != types.HubResting && now.Sub(f.enteredAt) >= f.cfg.Watchdog {
		metrics.HubWatchdogFires.Inc()
		f.logger.Warn().Str("state", string(f.state)).Msg("watchdog fired, forcing resting")
		f.publishLocked(events.EventHubWatchdogFired, string(f.state))
		f.transitionLocked(types.HubResting, "watchdog_timeout", now)
		return
	}

	s := f.systemStateLocked(now)
	d := Evaluate(f.state, s)
	if !d.Transition {
		if f.state == types.HubExecuting && f.hooks.OrchestratorTick != nil {
			f.hooks.OrchestratorTick()
		}
		return
	}
	f.transitionLocked(d.To, d.Reason, now)
}

func (f *FSM) systemStateLocked(now time.Time) SystemState {
	s := SystemState{
		IdleFor:       now.Sub(f.enteredAt),
		IdleThreshold: f.cfg.IdleAfter,
		CycleComplete: f.cycleDone,
	}
	if f.sources.PendingGoals != nil {
		s.PendingGoals = f.sources.PendingGoals()
	}
	if f.sources.ActiveGoals != nil {
		s.ActiveGoals = f.sources.ActiveGoals()
	}
	if f.sources.BudgetExhausted != nil {
		s.BudgetExhausted = f.sources.BudgetExhausted()
	}
	if f.sources.CriticalHealth != nil {
		s.CriticalHealth = f.sources.CriticalHealth() && f.healingAllowedLocked(now)
	}
	return s
}

// healingAllowedLocked enforces the cooldown and the rolling attempt
// window that together prevent healing storms.
func (f *FSM) healingAllowedLocked(now time.Time) bool {
	if !f.healingEndAt.IsZero() && now.Sub(f.healingEndAt) < f.cfg.HealingCooldown {
		return false
	}
	kept := f.healingRuns[:0]
	for _, t := range f.healingRuns {
		if now.Sub(t) < f.cfg.HealingWindow {
			kept = append(kept, t)
		}
	}
	f.healingRuns = kept
	return len(f.healingRuns) < maxHealingAttempts
}

func (f *FSM) transitionLocked(to types.HubState, reason string, now time.Time) {
	from := f.state
	if from == types.HubHealing {
		f.healingEndAt = now
	}

	f.state = to
	f.enteredAt = now
	f.cycleDone = false
	f.workSeq++
	f.transitions++
	f.history = append(f.history, types.HubTransition{
		From:             from,
		To:               to,
		Reason:           reason,
		Timestamp:        now,
		TransitionNumber: f.transitions,
	})
	if len(f.history) > maxHistory {
		f.history = f.history[len(f.history)-maxHistory:]
	}

	metrics.HubTransitions.WithLabelValues(string(from), string(to)).Inc()
	f.logger.Info().Str("from", string(from)).Str("to", string(to)).
		Str("reason", reason).Uint64("transition", f.transitions).Msg("hub transition")
	f.publishLocked(events.EventHubTransitioned, reason)

	switch to {
	case types.HubExecuting:
		f.cycleCount++
	case types.HubImproving:
		f.startWorkLocked(f.hooks.Improve)
	case types.HubContemplating:
		f.startWorkLocked(f.hooks.Contemplate)
	case types.HubHealing:
		f.healingRuns = append(f.healingRuns, now)
		metrics.HealingCycles.Inc()
		f.publishLocked(events.EventHubHealingStarted, reason)
		f.startWorkLocked(f.hooks.Heal)
	}

	if f.hooks.NotifyState != nil {
		f.hooks.NotifyState(to)
	}
}

// startWorkLocked runs a state work function off the tick goroutine and
// flags cycle completion when it returns. The sequence number discards
// a completion that arrives after the state has already been left.
func (f *FSM) startWorkLocked(work func() error) {
	if work == nil {
		f.cycleDone = true
		return
	}
	seq := f.workSeq
	go func() {
		err := work()
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.workSeq != seq {
			return
		}
		if err != nil {
			f.logger.Error().Err(err).Str("state", string(f.state)).Msg("state work failed")
		}
		f.cycleDone = true
	}()
}

func (f *FSM) publishLocked(typ events.EventType, msg string) {
	if f.broker == nil {
		return
	}
	f.broker.Publish(&events.Event{
		ID:      uuid.NewString(),
		Type:    typ,
		Topic:   events.TopicHub,
		Message: msg,
		Metadata: map[string]string{
			"state": string(f.state),
		},
	})
}
