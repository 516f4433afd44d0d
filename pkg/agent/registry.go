package agent

import (
	"sort"
	"sync"

	"github.com/agentcom/agentcom/pkg/events"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/metrics"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Registry tracks the FSM of every connected agent.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*Agent
	queue    TaskReturner
	broker   *events.Broker
	timeouts Timeouts
	logger   zerolog.Logger
}

// NewRegistry creates an agent registry. Timeouts apply to every agent
// FSM it creates.
func NewRegistry(queue TaskReturner, broker *events.Broker, timeouts Timeouts) *Registry {
	return &Registry{
		agents:   make(map[string]*Agent),
		queue:    queue,
		broker:   broker,
		timeouts: timeouts,
		logger:   log.WithComponent("agents"),
	}
}

// Connect registers an agent with a live session. A reconnect under
// the same id tears down the previous FSM first, requeueing any task
// it held.
func (r *Registry) Connect(id string, caps []string, sender Sender) *Agent {
	r.mu.Lock()
	if prev, ok := r.agents[id]; ok {
		r.mu.Unlock()
		prev.Disconnect()
		r.mu.Lock()
	}
	a := newAgent(id, caps, sender, r.queue, r.timeouts)
	r.agents[id] = a
	count := len(r.agents)
	r.mu.Unlock()

	metrics.AgentsOnline.Set(float64(count))
	r.publish(events.EventAgentConnected, id, "")
	r.logger.Info().Str("agent_id", id).Strs("capabilities", caps).Msg("agent connected")
	return a
}

// Disconnect terminates an agent's FSM and removes it.
func (r *Registry) Disconnect(id, reason string) {
	r.mu.Lock()
	a, ok := r.agents[id]
	if ok {
		delete(r.agents, id)
	}
	count := len(r.agents)
	r.mu.Unlock()

	if !ok {
		return
	}
	a.Disconnect()
	metrics.AgentsOnline.Set(float64(count))
	r.publish(events.EventAgentDisconnected, id, reason)
	r.logger.Info().Str("agent_id", id).Str("reason", reason).Msg("agent disconnected")
}

// Get returns a connected agent by id.
func (r *Registry) Get(id string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// Idle returns idle agents ordered by fewest recent completions, the
// scheduler's tie-break.
func (r *Registry) Idle() []*Agent {
	r.mu.RLock()
	var idle []*Agent
	for _, a := range r.agents {
		if a.State() == types.AgentIdle {
			idle = append(idle, a)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(idle, func(i, j int) bool {
		ri, rj := idle[i].RecentCompletions(), idle[j].RecentCompletions()
		if ri != rj {
			return ri < rj
		}
		return idle[i].ID < idle[j].ID
	})
	return idle
}

// Count returns the number of connected agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// List returns every connected agent.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NotifyIdle publishes an agent.idle event so the scheduler can run a
// pass. Called by the session after a task completes or fails.
func (r *Registry) NotifyIdle(id string) {
	r.publish(events.EventAgentIdle, id, "")
}

func (r *Registry) publish(typ events.EventType, agentID, msg string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{
		ID:      uuid.New().String(),
		Type:    typ,
		Topic:   events.TopicAgents,
		AgentID: agentID,
		Message: msg,
	})
}
