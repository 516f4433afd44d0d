package hub

import (
	"time"

	"github.com/agentcom/agentcom/pkg/types"
)

// SystemState is the snapshot of system signals the FSM gathers on
// every tick and feeds to Evaluate.
type SystemState struct {
	PendingGoals    int
	ActiveGoals     int
	BudgetExhausted bool
	// CriticalHealth is already masked by the healing cooldown and
	// attempt window; when true, entering healing is both warranted
	// and permitted.
	CriticalHealth bool
	// IdleFor is how long the FSM has sat in the current state.
	IdleFor time.Duration
	// IdleThreshold is how long resting must last before the FSM
	// drifts into improving.
	IdleThreshold time.Duration
	// CycleComplete reports that the current state's work function
	// (improve, contemplate, heal) has finished.
	CycleComplete bool
}

// Decision is the outcome of one predicate evaluation.
type Decision struct {
	Transition bool
	To         types.HubState
	Reason     string
}

func stay() Decision { return Decision{} }

func transition(to types.HubState, reason string) Decision {
	return Decision{Transition: true, To: to, Reason: reason}
}

// Evaluate is the pure transition function of the hub cycle. It never
// touches clocks or shared state; everything it needs arrives in the
// SystemState snapshot.
func Evaluate(current types.HubState, s SystemState) Decision {
	if s.CriticalHealth && current != types.HubHealing {
		return transition(types.HubHealing, "critical health issue")
	}

	switch current {
	case types.HubResting:
		if s.PendingGoals > 0 && !s.BudgetExhausted {
			return transition(types.HubExecuting, "pending goals")
		}
		if s.IdleThreshold > 0 && s.IdleFor >= s.IdleThreshold {
			return transition(types.HubImproving, "idle threshold reached")
		}
	case types.HubExecuting:
		if s.BudgetExhausted {
			return transition(types.HubResting, "budget exhausted")
		}
		if s.PendingGoals == 0 && s.ActiveGoals == 0 {
			return transition(types.HubResting, "no pending or active goals")
		}
	case types.HubImproving:
		if s.CycleComplete {
			return transition(types.HubContemplating, "improvement cycle complete")
		}
	case types.HubContemplating:
		if s.CycleComplete {
			return transition(types.HubResting, "contemplation cycle complete")
		}
	case types.HubHealing:
		if s.CycleComplete {
			return transition(types.HubResting, "healing_cycle_complete")
		}
	}
	return stay()
}
