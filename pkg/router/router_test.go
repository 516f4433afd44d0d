package router

import (
	"testing"

	"github.com/agentcom/agentcom/pkg/llmreg"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/stretchr/testify/assert"
)

func standardTask(repo string) *types.Task {
	return &types.Task{
		ID:   "t1",
		Repo: repo,
		Complexity: types.Complexity{
			EffectiveTier: types.TierStandard,
			Source:        types.ComplexityExplicit,
		},
	}
}

func healthyEndpoint(id string, models ...string) *types.Endpoint {
	return &types.Endpoint{ID: id, URL: "http://" + id, Health: types.EndpointHealthy, Models: models}
}

func TestRouteTrivial(t *testing.T) {
	task := standardTask("")
	task.Complexity.EffectiveTier = types.TierTrivial

	d := Route(task, &llmreg.Snapshot{}, DefaultConfig())
	assert.Equal(t, types.TargetSidecar, d.TargetType)
	assert.Equal(t, types.CostFree, d.EstimatedCostTier)
	assert.False(t, d.FallbackUsed)
}

func TestRouteComplex(t *testing.T) {
	task := standardTask("")
	task.Complexity.EffectiveTier = types.TierComplex

	d := Route(task, &llmreg.Snapshot{}, DefaultConfig())
	assert.Equal(t, types.TargetClaude, d.TargetType)
	assert.Equal(t, "claude-sonnet", d.SelectedModel)
	assert.Equal(t, types.CostAPI, d.EstimatedCostTier)
}

func TestRouteStandardPicksHealthyEndpoint(t *testing.T) {
	snap := &llmreg.Snapshot{
		Endpoints: []*types.Endpoint{
			healthyEndpoint("gpu1:11434", "llama3:8b"),
			{ID: "gpu2:11434", Health: types.EndpointUnhealthy, Models: []string{"llama3:8b"}},
		},
		Resources: map[string]types.HostResources{},
	}

	d := Route(standardTask(""), snap, DefaultConfig())
	assert.Equal(t, types.TargetOllama, d.TargetType)
	assert.Equal(t, "gpu1:11434", d.SelectedEndpoint)
	assert.Equal(t, "llama3:8b", d.SelectedModel)
	assert.Equal(t, 1, d.CandidateCount)
	assert.Equal(t, types.CostLocal, d.EstimatedCostTier)
}

func TestRouteStandardFallsBackToCloud(t *testing.T) {
	// No healthy endpoints at all. One fallback step lands on the
	// cloud tier.
	d := Route(standardTask(""), &llmreg.Snapshot{}, DefaultConfig())
	assert.Equal(t, types.TargetClaude, d.TargetType)
	assert.True(t, d.FallbackUsed)
	assert.Equal(t, types.TierStandard, d.FallbackFromTier)
	assert.Equal(t, "no_healthy_ollama_endpoints", d.FallbackReason)
	assert.Equal(t, types.CostAPI, d.EstimatedCostTier)
}

func TestRouteStandardCloudDisabledStaysQueued(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CloudEnabled = false

	d := Route(standardTask(""), &llmreg.Snapshot{}, cfg)
	assert.Equal(t, types.TargetNone, d.TargetType)
}

func TestScoringPrefersWarmModelAndAffinity(t *testing.T) {
	// Identical hosts except gpu2 has the model loaded and recently
	// served the task's repo.
	res := func(warm bool, lastRepo string) types.HostResources {
		hr := types.HostResources{
			CPUPercent:  30,
			VRAMUsedMB:  4 * 1024,
			VRAMTotalMB: 16 * 1024,
			LastRepo:    lastRepo,
		}
		if warm {
			hr.LoadedModels = []string{"llama3:8b"}
		}
		return hr
	}
	snap := &llmreg.Snapshot{
		Endpoints: []*types.Endpoint{
			healthyEndpoint("gpu1:11434", "llama3:8b"),
			healthyEndpoint("gpu2:11434", "llama3:8b"),
		},
		Resources: map[string]types.HostResources{
			"gpu1": res(false, ""),
			"gpu2": res(true, "https://r/a"),
		},
	}

	d := Route(standardTask("https://r/a"), snap, DefaultConfig())
	assert.Equal(t, "gpu2:11434", d.SelectedEndpoint)
	assert.Equal(t, 2, d.CandidateCount)
}

func TestScoringCapacityCapped(t *testing.T) {
	// A monster host must not dominate purely on VRAM size.
	snap := &llmreg.Snapshot{
		Endpoints: []*types.Endpoint{healthyEndpoint("gpu1:11434", "llama3:8b")},
		Resources: map[string]types.HostResources{
			"gpu1": {VRAMTotalMB: 80 * 1024, CPUPercent: 0},
		},
	}

	d := Route(standardTask(""), snap, DefaultConfig())
	assert.Equal(t, "gpu1:11434", d.SelectedEndpoint)

	// capacity capped at 1.5, vram fully free: 1.0 * 1.5 * 1.0
	got := score(standardTask(""), "gpu1:11434", "llama3:8b", snap)
	assert.InDelta(t, 1.5, got, 0.001)
}

func TestRouteDeterministic(t *testing.T) {
	snap := &llmreg.Snapshot{
		Endpoints: []*types.Endpoint{
			healthyEndpoint("gpu2:11434", "llama3:8b"),
			healthyEndpoint("gpu1:11434", "llama3:8b"),
		},
		Resources: map[string]types.HostResources{},
	}
	task := standardTask("")

	first := Route(task, snap, DefaultConfig())
	for i := 0; i < 10; i++ {
		again := Route(task, snap, DefaultConfig())
		assert.Equal(t, first.SelectedEndpoint, again.SelectedEndpoint)
		assert.Equal(t, first.SelectedModel, again.SelectedModel)
		assert.Equal(t, first.TargetType, again.TargetType)
	}
	// Equal scores break ties on endpoint id.
	assert.Equal(t, "gpu1:11434", first.SelectedEndpoint)
}

func TestModelPreferenceOrder(t *testing.T) {
	snap := &llmreg.Snapshot{
		Endpoints: []*types.Endpoint{
			healthyEndpoint("gpu1:11434", "llama3:8b", "qwen2.5-coder:7b"),
		},
		Resources: map[string]types.HostResources{},
	}

	d := Route(standardTask(""), snap, DefaultConfig())
	assert.Equal(t, "qwen2.5-coder:7b", d.SelectedModel, "config order wins over endpoint order")
}
