package presence

import (
	"sync"
	"time"

	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/metrics"
	"github.com/rs/zerolog"
)

const (
	// DefaultReapInterval is how often the reaper scans the table.
	DefaultReapInterval = 30 * time.Second
	// DefaultEvictAfter is the heartbeat silence that gets an agent
	// evicted.
	DefaultEvictAfter = 60 * time.Second
)

// Entry is one agent's liveness record.
type Entry struct {
	AgentID         string            `json:"agent_id"`
	LastHeartbeatAt time.Time         `json:"last_heartbeat_at"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Evictor is notified when an agent goes stale. Implemented by the
// agent registry; eviction terminates the FSM and requeues its task.
type Evictor interface {
	Disconnect(agentID, reason string)
}

// Tracker is the in-memory presence table plus its reaper loop.
type Tracker struct {
	mu           sync.RWMutex
	entries      map[string]*Entry
	evictor      Evictor
	reapInterval time.Duration
	evictAfter   time.Duration
	stopCh       chan struct{}
	stopOnce     sync.Once
	logger       zerolog.Logger
}

// NewTracker creates a presence tracker. Zero durations select the
// defaults.
func NewTracker(evictor Evictor, reapInterval, evictAfter time.Duration) *Tracker {
	if reapInterval <= 0 {
		reapInterval = DefaultReapInterval
	}
	if evictAfter <= 0 {
		evictAfter = DefaultEvictAfter
	}
	return &Tracker{
		entries:      make(map[string]*Entry),
		evictor:      evictor,
		reapInterval: reapInterval,
		evictAfter:   evictAfter,
		stopCh:       make(chan struct{}),
		logger:       log.WithComponent("presence"),
	}
}

// Start launches the reaper loop.
func (t *Tracker) Start() {
	go t.run()
}

// Stop terminates the reaper loop.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// Heartbeat refreshes an agent's liveness. Called on every inbound
// session message, not just pings.
func (t *Tracker) Heartbeat(agentID string, metadata map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[agentID]
	if !ok {
		e = &Entry{AgentID: agentID}
		t.entries[agentID] = e
	}
	e.LastHeartbeatAt = time.Now()
	if metadata != nil {
		e.Metadata = metadata
	}
}

// Forget removes an agent without treating it as stale. Called on
// clean disconnects.
func (t *Tracker) Forget(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, agentID)
}

// List returns a copy of the presence table.
func (t *Tracker) List() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	return out
}

// Reap evicts agents whose last heartbeat is older than the cutoff and
// returns their ids. Exported so tests and the admin API can force a
// pass.
func (t *Tracker) Reap(now time.Time) []string {
	cutoff := now.Add(-t.evictAfter)

	t.mu.Lock()
	var stale []string
	for id, e := range t.entries {
		if e.LastHeartbeatAt.Before(cutoff) {
			stale = append(stale, id)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	for _, id := range stale {
		metrics.AgentsReaped.Inc()
		t.logger.Warn().Str("agent_id", id).Msg("evicting agent after missed heartbeats")
		if t.evictor != nil {
			t.evictor.Disconnect(id, "heartbeat_timeout")
		}
	}
	return stale
}

func (t *Tracker) run() {
	ticker := time.NewTicker(t.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Reap(time.Now())
		case <-t.stopCh:
			return
		}
	}
}
