package types

import (
	"time"
)

// Priority orders tasks and goals in their queues.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns the numeric rank of a priority; lower is more urgent.
// Unknown priorities sort after low.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Bump returns the priority one level more urgent. Urgent stays urgent.
func (p Priority) Bump() Priority {
	switch p {
	case PriorityHigh:
		return PriorityUrgent
	case PriorityNormal:
		return PriorityHigh
	case PriorityLow:
		return PriorityNormal
	default:
		return p
	}
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskQueued       TaskStatus = "queued"
	TaskAssigned     TaskStatus = "assigned"
	TaskInProgress   TaskStatus = "in_progress"
	TaskCompleted    TaskStatus = "completed"
	TaskFailed       TaskStatus = "failed"
	TaskDeadLettered TaskStatus = "dead_lettered"
)

// Terminal reports whether the task can no longer change state.
func (t TaskStatus) Terminal() bool {
	return t == TaskCompleted || t == TaskDeadLettered
}

// ComplexityTier routes a task to an execution backend.
type ComplexityTier string

const (
	TierTrivial  ComplexityTier = "trivial"
	TierStandard ComplexityTier = "standard"
	TierComplex  ComplexityTier = "complex"
)

// ComplexitySource records whether the tier was declared or inferred.
type ComplexitySource string

const (
	ComplexityExplicit ComplexitySource = "explicit"
	ComplexityInferred ComplexitySource = "inferred"
)

// InferredComplexity is the classifier output kept alongside the
// effective tier for auditability.
type InferredComplexity struct {
	Tier       ComplexityTier `json:"tier"`
	Confidence float64        `json:"confidence"`
	Signals    []string       `json:"signals,omitempty"`
}

// Complexity is the resolved complexity of a task.
type Complexity struct {
	EffectiveTier ComplexityTier      `json:"effective_tier"`
	Source        ComplexitySource    `json:"source"`
	Inferred      *InferredComplexity `json:"inferred,omitempty"`
}

// FileHint points an agent at a file relevant to a task.
type FileHint struct {
	Path   string `json:"path"`
	Reason string `json:"reason,omitempty"`
}

// VerificationStep is a single check an agent runs before reporting
// completion.
type VerificationStep struct {
	Type        string `json:"type"`
	Target      string `json:"target"`
	Description string `json:"description,omitempty"`
}

// TargetType identifies the execution backend chosen for a task.
type TargetType string

const (
	TargetSidecar TargetType = "sidecar"
	TargetOllama  TargetType = "ollama"
	TargetClaude  TargetType = "claude"
	TargetNone    TargetType = ""
)

// CostTier estimates what a routing decision will cost.
type CostTier string

const (
	CostFree  CostTier = "free"
	CostLocal CostTier = "local"
	CostAPI   CostTier = "api"
)

// RoutingDecision captures which backend a task was routed to and why.
// It is attached to the task at assignment and passed through to the
// agent unchanged.
type RoutingDecision struct {
	EffectiveTier        ComplexityTier `json:"effective_tier"`
	TargetType           TargetType     `json:"target_type"`
	SelectedEndpoint     string         `json:"selected_endpoint,omitempty"`
	SelectedModel        string         `json:"selected_model,omitempty"`
	FallbackUsed         bool           `json:"fallback_used"`
	FallbackFromTier     ComplexityTier `json:"fallback_from_tier,omitempty"`
	FallbackReason       string         `json:"fallback_reason,omitempty"`
	CandidateCount       int            `json:"candidate_count"`
	ClassificationReason string         `json:"classification_reason,omitempty"`
	EstimatedCostTier    CostTier       `json:"estimated_cost_tier"`
	DecidedAt            time.Time      `json:"decided_at"`
}

// DefaultMaxRetries is applied when a task is submitted without an
// explicit retry budget.
const DefaultMaxRetries = 3

// Task is the primary unit of work, owned by the task queue.
type Task struct {
	ID                string             `json:"id"`
	GoalID            string             `json:"goal_id,omitempty"`
	DependsOn         []string           `json:"depends_on,omitempty"`
	Description       string             `json:"description"`
	Repo              string             `json:"repo,omitempty"`
	Branch            string             `json:"branch,omitempty"`
	FileHints         []FileHint         `json:"file_hints,omitempty"`
	SuccessCriteria   []string           `json:"success_criteria,omitempty"`
	VerificationSteps []VerificationStep `json:"verification_steps,omitempty"`
	Complexity        Complexity         `json:"complexity"`
	Priority          Priority           `json:"priority"`
	Status            TaskStatus         `json:"status"`
	RetryCount        int                `json:"retry_count"`
	MaxRetries        int                `json:"max_retries"`
	Generation        uint64             `json:"generation"`
	AssignedTo        string             `json:"assigned_to,omitempty"`
	AssignedAt        time.Time          `json:"assigned_at,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
	Result            map[string]any     `json:"result,omitempty"`
	RoutingDecision   *RoutingDecision   `json:"routing_decision,omitempty"`
	DeadLetterReason  string             `json:"dead_letter_reason,omitempty"`
	RequiredCaps      []string           `json:"required_capabilities,omitempty"`
}

// GoalStatus represents the lifecycle state of a goal.
type GoalStatus string

const (
	GoalSubmitted   GoalStatus = "submitted"
	GoalDecomposing GoalStatus = "decomposing"
	GoalExecuting   GoalStatus = "executing"
	GoalVerifying   GoalStatus = "verifying"
	GoalComplete    GoalStatus = "complete"
	GoalFailed      GoalStatus = "failed"
)

// Terminal reports whether the goal can no longer change state.
func (g GoalStatus) Terminal() bool {
	return g == GoalComplete || g == GoalFailed
}

// GoalSource records where a goal came from.
type GoalSource string

const (
	GoalSourceAPI      GoalSource = "api"
	GoalSourceCLI      GoalSource = "cli"
	GoalSourceInternal GoalSource = "internal"
)

// GoalTransition is an entry in a goal's append-only history.
type GoalTransition struct {
	From      GoalStatus `json:"from"`
	To        GoalStatus `json:"to"`
	Reason    string     `json:"reason,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Goal is a high-level objective that decomposes into a DAG of tasks.
type Goal struct {
	ID                  string            `json:"id"`
	Title               string            `json:"title"`
	Description         string            `json:"description"`
	SuccessCriteria     []string          `json:"success_criteria,omitempty"`
	Priority            Priority          `json:"priority"`
	Source              GoalSource        `json:"source"`
	Repo                string            `json:"repo,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	Status              GoalStatus        `json:"status"`
	History             []GoalTransition  `json:"history,omitempty"`
	VerificationRetries int               `json:"verification_retries"`
	FailureReason       string            `json:"failure_reason,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// goalTransitions is the static table of legal goal status moves.
var goalTransitions = map[GoalStatus][]GoalStatus{
	GoalSubmitted:   {GoalDecomposing, GoalFailed},
	GoalDecomposing: {GoalExecuting, GoalFailed},
	GoalExecuting:   {GoalVerifying, GoalFailed},
	GoalVerifying:   {GoalComplete, GoalExecuting, GoalFailed},
}

// ValidGoalTransition reports whether a goal may move from one status
// to another.
func ValidGoalTransition(from, to GoalStatus) bool {
	for _, next := range goalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AgentState is the runtime state of a connected agent.
type AgentState string

const (
	AgentIdle         AgentState = "idle"
	AgentAssigned     AgentState = "assigned"
	AgentWorking      AgentState = "working"
	AgentDisconnected AgentState = "disconnected"
)

// EndpointHealth is the probe-derived health of an LLM endpoint.
type EndpointHealth string

const (
	EndpointHealthy   EndpointHealth = "healthy"
	EndpointUnhealthy EndpointHealth = "unhealthy"
	EndpointUnknown   EndpointHealth = "unknown"
)

// Endpoint is an LLM serving endpoint, keyed by host:port.
type Endpoint struct {
	ID                  string         `json:"id"`
	URL                 string         `json:"url"`
	Models              []string       `json:"models,omitempty"`
	Health              EndpointHealth `json:"health"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	LastProbeAt         time.Time      `json:"last_probe_at,omitempty"`
	RegisteredAt        time.Time      `json:"registered_at"`
}

// HostResources is a sidecar-reported resource snapshot for one host.
// Entries live in an ephemeral in-memory table and expire after 90s.
type HostResources struct {
	Host         string    `json:"host"`
	CPUPercent   float64   `json:"cpu"`
	RAMPercent   float64   `json:"ram"`
	VRAMUsedMB   int64     `json:"vram_used"`
	VRAMTotalMB  int64     `json:"vram_total"`
	LoadedModels []string  `json:"loaded_models,omitempty"`
	LastRepo     string    `json:"last_repo,omitempty"`
	ReportedAt   time.Time `json:"reported_at"`
}

// RepoStatus marks a registered repository active or paused.
type RepoStatus string

const (
	RepoActive RepoStatus = "active"
	RepoPaused RepoStatus = "paused"
)

// RepoEntry is one repository in the ordered repo registry.
type RepoEntry struct {
	ID            string     `json:"id"`
	URL           string     `json:"url"`
	Name          string     `json:"name,omitempty"`
	Status        RepoStatus `json:"status"`
	PriorityIndex int        `json:"priority_index"`
}

// HubState is a state of the autonomous hub cycle.
type HubState string

const (
	HubResting       HubState = "resting"
	HubExecuting     HubState = "executing"
	HubImproving     HubState = "improving"
	HubContemplating HubState = "contemplating"
	HubHealing       HubState = "healing"
)

// HubTransition is one entry in the hub's bounded transition history.
type HubTransition struct {
	From             HubState  `json:"from"`
	To               HubState  `json:"to"`
	Reason           string    `json:"reason"`
	Timestamp        time.Time `json:"timestamp"`
	TransitionNumber uint64    `json:"transition_number"`
}

// GoalProgress summarizes the child tasks of a goal.
type GoalProgress struct {
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Done reports whether every child task has reached a terminal state
// without failures.
func (p GoalProgress) Done() bool {
	return p.Pending == 0 && p.Failed == 0
}
