package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rulesOf(alerts []Alert) []string {
	var out []string
	for _, a := range alerts {
		out = append(out, a.Rule)
	}
	return out
}

func TestBacklogGrowingNeedsThreeChecks(t *testing.T) {
	m := NewMonitor(nil, time.Hour)

	assert.Empty(t, m.Evaluate(Sample{QueueDepth: 1, AgentsOnline: 1}))
	assert.Empty(t, m.Evaluate(Sample{QueueDepth: 2, AgentsOnline: 1}))
	fired := m.Evaluate(Sample{QueueDepth: 3, AgentsOnline: 1})
	assert.Contains(t, rulesOf(fired), "backlog_growing")

	// A plateau resets the streak.
	assert.Empty(t, m.Evaluate(Sample{QueueDepth: 3, AgentsOnline: 1}))
}

func TestFailureRateNeedsVolume(t *testing.T) {
	m := NewMonitor(nil, time.Hour)

	// 2 failures out of 3 is above 50% but below the volume floor.
	fired := m.Evaluate(Sample{CompletedRecently: 1, FailedRecently: 2, AgentsOnline: 1})
	assert.NotContains(t, rulesOf(fired), "failure_rate")

	fired = m.Evaluate(Sample{CompletedRecently: 1, FailedRecently: 3, AgentsOnline: 1})
	assert.Contains(t, rulesOf(fired), "failure_rate")
	assert.True(t, m.CriticalActive())
}

func TestNoAgentsOnlyWithBacklog(t *testing.T) {
	m := NewMonitor(nil, time.Hour)

	fired := m.Evaluate(Sample{QueueDepth: 0, AgentsOnline: 0})
	assert.NotContains(t, rulesOf(fired), "no_agents")
	assert.False(t, m.CriticalActive())

	fired = m.Evaluate(Sample{QueueDepth: 5, AgentsOnline: 0})
	assert.Contains(t, rulesOf(fired), "no_agents")
	assert.True(t, m.CriticalActive())
}

func TestWarningCooldownCriticalBypass(t *testing.T) {
	m := NewMonitor(nil, time.Hour)

	warn := Sample{ErrorsLastHour: 20, AgentsOnline: 1}
	fired := m.Evaluate(warn)
	require.Contains(t, rulesOf(fired), "error_burst")

	// Same warning inside the cooldown stays quiet.
	fired = m.Evaluate(warn)
	assert.NotContains(t, rulesOf(fired), "error_burst")

	// Criticals fire every evaluation.
	crit := Sample{StuckTasks: 1, AgentsOnline: 1}
	require.Contains(t, rulesOf(m.Evaluate(crit)), "stuck_tasks")
	require.Contains(t, rulesOf(m.Evaluate(crit)), "stuck_tasks")
}

func TestCriticalClearsOnHealthySample(t *testing.T) {
	m := NewMonitor(nil, time.Hour)

	m.Evaluate(Sample{StuckTasks: 2, AgentsOnline: 1})
	require.True(t, m.CriticalActive())

	m.Evaluate(Sample{AgentsOnline: 1})
	assert.False(t, m.CriticalActive())
}

func TestAllEndpointsUnhealthy(t *testing.T) {
	m := NewMonitor(nil, time.Hour)

	fired := m.Evaluate(Sample{EndpointsTotal: 2, EndpointsHealthy: 0, AgentsOnline: 1})
	assert.Contains(t, rulesOf(fired), "all_endpoints_unhealthy")

	fired = m.Evaluate(Sample{EndpointsTotal: 2, EndpointsHealthy: 1, AgentsOnline: 1})
	assert.NotContains(t, rulesOf(fired), "all_endpoints_unhealthy")
}

func TestHistoryRetained(t *testing.T) {
	m := NewMonitor(nil, time.Hour)
	m.Evaluate(Sample{StuckTasks: 1, AgentsOnline: 1})
	m.Evaluate(Sample{StuckTasks: 1, AgentsOnline: 1})

	history := m.History()
	require.Len(t, history, 2)
	assert.Equal(t, "stuck_tasks", history[0].Rule)
	assert.False(t, history[0].FiredAt.IsZero())
}
