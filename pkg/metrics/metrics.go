package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcom_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		},
	)

	TasksAssigned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcom_tasks_assigned_total",
			Help: "Total number of task assignments (including reassignments)",
		},
	)

	TasksCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcom_tasks_completed_total",
			Help: "Total number of tasks completed",
		},
	)

	TaskRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcom_task_retries_total",
			Help: "Total number of task failures that consumed a retry",
		},
	)

	TasksDeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcom_tasks_dead_lettered_total",
			Help: "Total number of tasks moved to the dead-letter table",
		},
	)

	TasksByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentcom_tasks",
			Help: "Current number of tasks by status",
		},
		[]string{"status"},
	)

	// Goal metrics
	GoalsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentcom_goals",
			Help: "Current number of goals by status",
		},
		[]string{"status"},
	)

	VerificationRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcom_goal_verification_retries_total",
			Help: "Total number of goal verification retry cycles",
		},
	)

	// Agent metrics
	AgentsOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentcom_agents_online",
			Help: "Number of agents with a live WebSocket connection",
		},
	)

	AgentsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcom_agents_reaped_total",
			Help: "Total number of agents evicted for missed heartbeats",
		},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentcom_scheduling_latency_seconds",
			Help:    "Time taken by one scheduling pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StuckTasksReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcom_stuck_tasks_reclaimed_total",
			Help: "Total number of stuck tasks reclaimed by the sweep",
		},
	)

	RoutingFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcom_routing_fallbacks_total",
			Help: "Total number of routing decisions that used the fallback chain",
		},
		[]string{"from_tier", "to_target"},
	)

	// Endpoint metrics
	EndpointsHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentcom_llm_endpoints_healthy",
			Help: "Number of LLM endpoints currently healthy",
		},
	)

	ProbeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcom_llm_probe_failures_total",
			Help: "Total number of failed endpoint health probes",
		},
	)

	// Hub metrics
	HubTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcom_hub_transitions_total",
			Help: "Total number of hub state transitions",
		},
		[]string{"from", "to"},
	)

	HubWatchdogFires = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcom_hub_watchdog_fires_total",
			Help: "Total number of watchdog-forced transitions to resting",
		},
	)

	HealingCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcom_healing_cycles_total",
			Help: "Total number of healing cycles run",
		},
	)

	// LLM metrics
	LLMCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcom_llm_calls_total",
			Help: "Total number of LLM calls by purpose and outcome",
		},
		[]string{"purpose", "outcome"},
	)

	// Alert metrics
	AlertsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcom_alerts_fired_total",
			Help: "Total number of alerts fired by rule and severity",
		},
		[]string{"rule", "severity"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksSubmitted)
	prometheus.MustRegister(TasksAssigned)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(TaskRetries)
	prometheus.MustRegister(TasksDeadLettered)
	prometheus.MustRegister(TasksByStatus)
	prometheus.MustRegister(GoalsByStatus)
	prometheus.MustRegister(VerificationRetries)
	prometheus.MustRegister(AgentsOnline)
	prometheus.MustRegister(AgentsReaped)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(StuckTasksReclaimed)
	prometheus.MustRegister(RoutingFallbacks)
	prometheus.MustRegister(EndpointsHealthy)
	prometheus.MustRegister(ProbeFailures)
	prometheus.MustRegister(HubTransitions)
	prometheus.MustRegister(HubWatchdogFires)
	prometheus.MustRegister(HealingCycles)
	prometheus.MustRegister(LLMCalls)
	prometheus.MustRegister(AlertsFired)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
