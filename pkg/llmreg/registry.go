package llmreg

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/metrics"
	"github.com/agentcom/agentcom/pkg/storage"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/rs/zerolog"
)

// ErrNotRegistered is returned when an endpoint id is unknown.
var ErrNotRegistered = errors.New("endpoint not registered")

// resourceTTL is how long a sidecar resource report stays in the
// in-memory table before the sweep drops it.
const resourceTTL = 90 * time.Second

// Snapshot is the read-side view handed to the router and dashboards:
// persisted endpoints, the live resource table, and a fleet-level count
// of hosts per model.
type Snapshot struct {
	Endpoints  []*types.Endpoint              `json:"endpoints"`
	Resources  map[string]types.HostResources `json:"resources"`
	ModelHosts map[string]int                 `json:"model_hosts"`
}

// Registry tracks LLM serving endpoints (persisted) and per-host
// resource reports (ephemeral). Endpoint identity is host:port, which
// makes registration idempotent.
type Registry struct {
	store     storage.Store
	mu        sync.RWMutex
	resources map[string]types.HostResources
	logger    zerolog.Logger
}

// NewRegistry creates an endpoint registry on top of the durable store.
func NewRegistry(store storage.Store) *Registry {
	return &Registry{
		store:     store,
		resources: make(map[string]types.HostResources),
		logger:    log.WithComponent("llmreg"),
	}
}

// EndpointID derives the registry key for an endpoint URL. Scheme and
// path are dropped so http://host:11434/ and host:11434 collide.
func EndpointID(rawURL string) (string, error) {
	raw := rawURL
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid endpoint url %q", rawURL)
	}
	host := u.Host
	if u.Port() == "" {
		host += ":11434"
	}
	return host, nil
}

// Register adds an endpoint, or returns the existing one when the
// host:port is already known. Used by the admin API and by sidecar
// auto-announcement during handshake.
func (r *Registry) Register(rawURL string) (*types.Endpoint, error) {
	id, err := EndpointID(rawURL)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, err := r.store.GetEndpoint(id); err == nil {
		return existing, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	ep := &types.Endpoint{
		ID:           id,
		URL:          "http://" + id,
		Health:       types.EndpointUnknown,
		RegisteredAt: time.Now(),
	}
	if err := r.store.PutEndpoint(ep); err != nil {
		return nil, fmt.Errorf("failed to persist endpoint: %w", err)
	}

	r.logger.Info().Str("endpoint", id).Msg("endpoint registered")
	return ep, nil
}

// Remove deletes an endpoint from the registry.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.store.GetEndpoint(id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotRegistered
		}
		return err
	}
	return r.store.DeleteEndpoint(id)
}

// ResetHealth clears failure counters and returns every endpoint to the
// unknown state. Healing calls this so the next probe round re-evaluates
// from scratch instead of compounding stale failures.
func (r *Registry) ResetHealth() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	endpoints, err := r.store.ListEndpoints()
	if err != nil {
		return err
	}
	for _, ep := range endpoints {
		ep.Health = types.EndpointUnknown
		ep.ConsecutiveFailures = 0
		if err := r.store.PutEndpoint(ep); err != nil {
			return err
		}
	}
	r.logger.Info().Int("endpoints", len(endpoints)).Msg("endpoint health reset")
	return nil
}

// Get returns one endpoint by id.
func (r *Registry) Get(id string) (*types.Endpoint, error) {
	ep, err := r.store.GetEndpoint(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotRegistered
	}
	return ep, err
}

// List returns all registered endpoints.
func (r *Registry) List() ([]*types.Endpoint, error) {
	return r.store.ListEndpoints()
}

// ReportResources records a sidecar resource report for one host. The
// entry expires after 90 seconds without a refresh.
func (r *Registry) ReportResources(hr types.HostResources) {
	if hr.ReportedAt.IsZero() {
		hr.ReportedAt = time.Now()
	}
	r.mu.Lock()
	r.resources[hr.Host] = hr
	r.mu.Unlock()
}

// sweepResources drops resource entries older than the TTL. Called from
// the prober loop.
func (r *Registry) sweepResources(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for host, hr := range r.resources {
		if now.Sub(hr.ReportedAt) > resourceTTL {
			delete(r.resources, host)
		}
	}
}

// Snapshot returns a consistent copy of the registry state for readers.
func (r *Registry) Snapshot() (*Snapshot, error) {
	endpoints, err := r.store.ListEndpoints()
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	resources := make(map[string]types.HostResources, len(r.resources))
	for host, hr := range r.resources {
		resources[host] = hr
	}
	r.mu.RUnlock()

	modelHosts := make(map[string]int)
	healthy := 0
	for _, ep := range endpoints {
		if ep.Health == types.EndpointHealthy {
			healthy++
		}
		for _, m := range ep.Models {
			modelHosts[m]++
		}
	}
	metrics.EndpointsHealthy.Set(float64(healthy))

	return &Snapshot{
		Endpoints:  endpoints,
		Resources:  resources,
		ModelHosts: modelHosts,
	}, nil
}

// setProbeResult applies one probe outcome to an endpoint: two
// consecutive failures mark it unhealthy, the first success after any
// failures marks it healthy and refreshes the model inventory.
func (r *Registry) setProbeResult(id string, models []string, probeErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, err := r.store.GetEndpoint(id)
	if err != nil {
		return
	}

	ep.LastProbeAt = time.Now()
	if probeErr != nil {
		ep.ConsecutiveFailures++
		metrics.ProbeFailures.Inc()
		if ep.ConsecutiveFailures >= 2 && ep.Health != types.EndpointUnhealthy {
			ep.Health = types.EndpointUnhealthy
			r.logger.Warn().Str("endpoint", id).Err(probeErr).Msg("endpoint marked unhealthy")
		}
	} else {
		if ep.Health != types.EndpointHealthy {
			r.logger.Info().Str("endpoint", id).Msg("endpoint healthy")
		}
		ep.ConsecutiveFailures = 0
		ep.Health = types.EndpointHealthy
		ep.Models = models
	}

	if err := r.store.PutEndpoint(ep); err != nil {
		r.logger.Error().Err(err).Str("endpoint", id).Msg("failed to persist probe result")
	}
}
