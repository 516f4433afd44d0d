package llmreg

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const (
	defaultProbeInterval    = 30 * time.Second
	defaultProbeTimeout     = 5 * time.Second
	defaultProbeConcurrency = 4
)

// Prober periodically health-checks every registered endpoint. Probes
// run in a bounded worker pool so one slow endpoint cannot stall the
// sweep past its interval.
type Prober struct {
	registry    *Registry
	client      *http.Client
	interval    time.Duration
	concurrency int
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewProber creates a prober over the registry. Zero values select the
// defaults (30 s interval, 4 concurrent probes).
func NewProber(registry *Registry, interval time.Duration, concurrency int) *Prober {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	if concurrency <= 0 {
		concurrency = defaultProbeConcurrency
	}
	return &Prober{
		registry:    registry,
		client:      &http.Client{Timeout: defaultProbeTimeout},
		interval:    interval,
		concurrency: concurrency,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the probe loop.
func (p *Prober) Start() {
	p.wg.Add(1)
	go p.run()
	p.registry.logger.Info().Dur("interval", p.interval).Msg("endpoint prober started")
}

// Stop terminates the probe loop and waits for in-flight probes.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Prober) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.ProbeAll()
	for {
		select {
		case <-ticker.C:
			p.ProbeAll()
			p.registry.sweepResources(time.Now())
		case <-p.stopCh:
			return
		}
	}
}

// ProbeAll probes every registered endpoint once, with bounded
// concurrency. Exported so tests and the admin API can force a sweep.
func (p *Prober) ProbeAll() {
	endpoints, err := p.registry.List()
	if err != nil {
		p.registry.logger.Error().Err(err).Msg("failed to list endpoints for probe")
		return
	}

	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	for _, ep := range endpoints {
		wg.Add(1)
		sem <- struct{}{}
		go func(id, url string) {
			defer wg.Done()
			defer func() { <-sem }()
			models, err := p.probe(url)
			p.registry.setProbeResult(id, models, err)
		}(ep.ID, ep.URL)
	}
	wg.Wait()
}

// tagsResponse is the shape of the Ollama model inventory reply. The
// readiness check and the inventory refresh are the same request.
type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (p *Prober) probe(baseURL string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("probe returned status %d", resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("failed to decode model inventory: %w", err)
	}

	models := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, m.Name)
	}
	return models, nil
}
