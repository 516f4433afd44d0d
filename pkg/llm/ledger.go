package llm

import (
	"errors"
	"sync"
	"time"

	"github.com/agentcom/agentcom/pkg/types"
)

// ErrBudgetExhausted is returned by Check when the daily token budget
// is spent. The orchestrator leaves its goal in place and the hub
// cycles out of executing.
var ErrBudgetExhausted = errors.New("llm budget exhausted")

// Usage is the token accounting from one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Ledger tracks LLM spend against a daily token budget. The window
// resets at the first call of each new day.
type Ledger struct {
	mu          sync.Mutex
	dailyBudget int
	spent       int
	byPurpose   map[string]int
	windowStart time.Time
	hubState    types.HubState
}

// NewLedger creates a cost ledger. A budget of 0 or less disables
// gating.
func NewLedger(dailyTokenBudget int) *Ledger {
	return &Ledger{
		dailyBudget: dailyTokenBudget,
		byPurpose:   make(map[string]int),
		windowStart: time.Now(),
	}
}

// Check returns ErrBudgetExhausted when the day's budget is spent.
func (l *Ledger) Check() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollWindowLocked()
	if l.dailyBudget > 0 && l.spent >= l.dailyBudget {
		return ErrBudgetExhausted
	}
	return nil
}

// Exhausted reports the budget state without returning an error. Hub
// predicates poll this.
func (l *Ledger) Exhausted() bool {
	return l.Check() != nil
}

// Record adds one call's usage to the ledger.
func (l *Ledger) Record(purpose string, usage Usage) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollWindowLocked()
	tokens := usage.PromptTokens + usage.CompletionTokens
	l.spent += tokens
	l.byPurpose[purpose] += tokens
}

// Spent returns the tokens consumed in the current window.
func (l *Ledger) Spent() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollWindowLocked()
	return l.spent
}

// NotifyHubState records the hub's current state. Spend is attributed
// against it for reporting; gating itself is state-independent.
func (l *Ledger) NotifyHubState(state types.HubState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hubState = state
}

func (l *Ledger) rollWindowLocked() {
	now := time.Now()
	if now.YearDay() != l.windowStart.YearDay() || now.Year() != l.windowStart.Year() {
		l.spent = 0
		l.byPurpose = make(map[string]int)
		l.windowStart = now
	}
}
