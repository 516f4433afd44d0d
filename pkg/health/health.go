package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Severity classifies an alert. Critical alerts bypass cooldown and
// make the hub eligible for healing.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one fired rule.
type Alert struct {
	Rule     string    `json:"rule"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	FiredAt  time.Time `json:"fired_at"`
}

// Sample is one snapshot of system health inputs, gathered by the hub
// on every check.
type Sample struct {
	QueueDepth        int
	CompletedRecently int
	FailedRecently    int
	StuckTasks        int
	AgentsOnline      int
	EndpointsTotal    int
	EndpointsHealthy  int
	ErrorsLastHour    int
}

// defaultCooldown suppresses repeat warnings per rule.
const defaultCooldown = 5 * time.Minute

// maxAlertHistory bounds the retained alert log.
const maxAlertHistory = 200

// Monitor evaluates the alert rules over successive samples and keeps
// the critical flag the hub's healing predicate reads.
type Monitor struct {
	mu             sync.Mutex
	backlogHistory []int
	lastFired      map[string]time.Time
	history        []Alert
	criticalActive bool
	cooldown       time.Duration
	broker         *events.Broker
	logger         zerolog.Logger
}

// NewMonitor creates a health monitor. A zero cooldown selects the
// default.
func NewMonitor(broker *events.Broker, cooldown time.Duration) *Monitor {
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Monitor{
		lastFired: make(map[string]time.Time),
		cooldown:  cooldown,
		broker:    broker,
		logger:    log.WithComponent("health"),
	}
}

// Evaluate runs every rule against the sample and returns the alerts
// that fired. Warnings respect per-rule cooldowns; criticals always
// fire.
func (m *Monitor) Evaluate(s Sample) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var candidates []Alert

	m.backlogHistory = append(m.backlogHistory, s.QueueDepth)
	if len(m.backlogHistory) > 3 {
		m.backlogHistory = m.backlogHistory[len(m.backlogHistory)-3:]
	}
	if len(m.backlogHistory) == 3 &&
		m.backlogHistory[0] < m.backlogHistory[1] && m.backlogHistory[1] < m.backlogHistory[2] {
		candidates = append(candidates, Alert{
			Rule:     "backlog_growing",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("queue depth grew across 3 checks: %v", m.backlogHistory),
		})
	}

	if total := s.CompletedRecently + s.FailedRecently; total >= 4 {
		if rate := float64(s.FailedRecently) / float64(total); rate > 0.5 {
			candidates = append(candidates, Alert{
				Rule:     "failure_rate",
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("failure rate %.0f%% over last %d tasks", rate*100, total),
			})
		}
	}

	if s.StuckTasks > 0 {
		candidates = append(candidates, Alert{
			Rule:     "stuck_tasks",
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("%d tasks stuck past the sweep threshold", s.StuckTasks),
		})
	}

	if s.AgentsOnline == 0 && s.QueueDepth > 0 {
		candidates = append(candidates, Alert{
			Rule:     "no_agents",
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("no agents online with %d tasks queued", s.QueueDepth),
		})
	}

	if s.EndpointsTotal > 0 && s.EndpointsHealthy == 0 {
		candidates = append(candidates, Alert{
			Rule:     "all_endpoints_unhealthy",
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("all %d llm endpoints unhealthy", s.EndpointsTotal),
		})
	}

	if s.ErrorsLastHour > 10 {
		candidates = append(candidates, Alert{
			Rule:     "error_burst",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("%d errors in the last hour", s.ErrorsLastHour),
		})
	}

	var fired []Alert
	critical := false
	for _, a := range candidates {
		if a.Severity == SeverityCritical {
			critical = true
		} else if last, ok := m.lastFired[a.Rule]; ok && now.Sub(last) < m.cooldown {
			continue
		}
		a.FiredAt = now
		m.lastFired[a.Rule] = now
		fired = append(fired, a)

		metrics.AlertsFired.WithLabelValues(a.Rule, string(a.Severity)).Inc()
		m.logger.Warn().Str("rule", a.Rule).Str("severity", string(a.Severity)).
			Msg(a.Message)
		if m.broker != nil {
			m.broker.Publish(&events.Event{
				ID:      uuid.New().String(),
				Type:    events.EventAlertFired,
				Topic:   events.TopicHub,
				Message: a.Message,
				Metadata: map[string]string{
					"rule":     a.Rule,
					"severity": string(a.Severity),
				},
			})
		}
	}
	m.criticalActive = critical

	m.history = append(m.history, fired...)
	if len(m.history) > maxAlertHistory {
		m.history = m.history[len(m.history)-maxAlertHistory:]
	}
	return fired
}

// CriticalActive reports whether the most recent evaluation found any
// critical issue. The hub's healing predicate reads this.
func (m *Monitor) CriticalActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.criticalActive
}

// History returns the retained alert log, oldest first.
func (m *Monitor) History() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.history...)
}
