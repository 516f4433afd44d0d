package health

import (
	"sync"
	"time"

	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/rs/zerolog"
)

const (
	defaultSampleInterval = 30 * time.Second
	// recentWindow scopes the completed/failed counts behind the
	// failure-rate rule.
	recentWindow = 10 * time.Minute
	errorWindow  = time.Hour
)

// Probes are the point-in-time readings the sampler gathers on each
// check. Nil probes read as zero.
type Probes struct {
	QueueDepth   func() int
	StuckTasks   func() int
	AgentsOnline func() int
	// Endpoints returns (total, healthy).
	Endpoints func() (int, int)
}

// Sampler feeds the monitor on a fixed interval. It counts task
// outcomes from the event stream and combines them with the probe
// readings into one Sample per check.
type Sampler struct {
	monitor  *Monitor
	probes   Probes
	broker   *events.Broker
	interval time.Duration

	mu          sync.Mutex
	completions []time.Time
	failures    []time.Time
	errors      []time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// NewSampler creates a sampler. A zero interval selects the default.
func NewSampler(monitor *Monitor, probes Probes, broker *events.Broker, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	return &Sampler{
		monitor:  monitor,
		probes:   probes,
		broker:   broker,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("health"),
	}
}

// Start launches the sampling loop.
func (s *Sampler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop terminates the loop.
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sampler) run() {
	defer s.wg.Done()

	var taskEvents events.Subscriber
	if s.broker != nil {
		taskEvents = s.broker.Subscribe(events.TopicTasks)
		defer s.broker.Unsubscribe(events.TopicTasks, taskEvents)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-taskEvents:
			if ev != nil {
				s.observe(ev)
			}
		case <-ticker.C:
			s.monitor.Evaluate(s.Collect(time.Now()))
		case <-s.stopCh:
			return
		}
	}
}

func (s *Sampler) observe(ev *events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	switch ev.Type {
	case events.EventTaskCompleted:
		s.completions = append(s.completions, now)
	case events.EventTaskFailed, events.EventTaskDeadLettered:
		s.failures = append(s.failures, now)
		s.errors = append(s.errors, now)
	}
}

// Collect assembles the sample for one check, pruning expired
// observations.
func (s *Sampler) Collect(now time.Time) Sample {
	s.mu.Lock()
	s.completions = prune(s.completions, now, recentWindow)
	s.failures = prune(s.failures, now, recentWindow)
	s.errors = prune(s.errors, now, errorWindow)
	sample := Sample{
		CompletedRecently: len(s.completions),
		FailedRecently:    len(s.failures),
		ErrorsLastHour:    len(s.errors),
	}
	s.mu.Unlock()

	if s.probes.QueueDepth != nil {
		sample.QueueDepth = s.probes.QueueDepth()
	}
	if s.probes.StuckTasks != nil {
		sample.StuckTasks = s.probes.StuckTasks()
	}
	if s.probes.AgentsOnline != nil {
		sample.AgentsOnline = s.probes.AgentsOnline()
	}
	if s.probes.Endpoints != nil {
		sample.EndpointsTotal, sample.EndpointsHealthy = s.probes.Endpoints()
	}
	return sample
}

func prune(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	return kept
}
