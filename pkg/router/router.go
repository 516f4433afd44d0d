package router

import (
	"fmt"
	"sort"
	"time"

	"github.com/agentcom/agentcom/pkg/llmreg"
	"github.com/agentcom/agentcom/pkg/types"
)

// Config tunes the routing function. All fields have working defaults
// via DefaultConfig.
type Config struct {
	// StandardModels are models considered acceptable for the standard
	// tier, in preference order.
	StandardModels []string
	// CloudModel is the model used for claude-tier decisions.
	CloudModel string
	// CloudEnabled gates the cloud backstop. When false, tasks that
	// cannot be routed locally stay queued.
	CloudEnabled bool
}

// DefaultConfig returns the routing defaults.
func DefaultConfig() Config {
	return Config{
		StandardModels: []string{"qwen2.5-coder:7b", "llama3:8b"},
		CloudModel:     "claude-sonnet",
		CloudEnabled:   true,
	}
}

// Scoring constants for the standard tier. Capacity is normalized
// against a 16 GB VRAM reference and capped at 1.5x.
const (
	warmModelBonus    = 1.15
	repoAffinityBonus = 1.05
	vramReferenceMB   = 16 * 1024
	capacityCap       = 1.5

	// Neutral defaults applied when a host has no resource report.
	defaultCPUPercent = 50.0
	defaultVRAMFactor = 0.9
	defaultCapacity   = 1.0
)

// Route computes the routing decision for a task given a registry
// snapshot. It is a pure function: no side effects, and identical
// inputs produce identical outputs (DecidedAt aside).
func Route(task *types.Task, snap *llmreg.Snapshot, cfg Config) types.RoutingDecision {
	tier := task.Complexity.EffectiveTier
	if tier == "" {
		tier = types.TierStandard
	}

	decision := resolve(task, tier, snap, cfg)
	if decision.TargetType == types.TargetNone {
		// One fallback step toward the tier with capacity.
		fallbackTier := fallbackFor(tier)
		fb := resolve(task, fallbackTier, snap, cfg)
		if fb.TargetType != types.TargetNone {
			fb.FallbackUsed = true
			fb.FallbackFromTier = tier
			fb.FallbackReason = decision.FallbackReason
			decision = fb
		} else if cfg.CloudEnabled {
			// Cloud is the reliability backstop.
			decision = types.RoutingDecision{
				EffectiveTier:     fallbackTier,
				TargetType:        types.TargetClaude,
				SelectedModel:     cfg.CloudModel,
				FallbackUsed:      true,
				FallbackFromTier:  tier,
				FallbackReason:    decision.FallbackReason,
				EstimatedCostTier: types.CostAPI,
			}
		}
	}

	decision.DecidedAt = time.Now()
	return decision
}

// resolve maps one tier to a target without applying the fallback
// chain. A TargetNone result carries the reason in FallbackReason.
func resolve(task *types.Task, tier types.ComplexityTier, snap *llmreg.Snapshot, cfg Config) types.RoutingDecision {
	switch tier {
	case types.TierTrivial:
		return types.RoutingDecision{
			EffectiveTier:     tier,
			TargetType:        types.TargetSidecar,
			EstimatedCostTier: types.CostFree,
		}

	case types.TierComplex:
		if !cfg.CloudEnabled {
			return types.RoutingDecision{
				EffectiveTier:  tier,
				TargetType:     types.TargetNone,
				FallbackReason: "cloud_disabled",
			}
		}
		return types.RoutingDecision{
			EffectiveTier:     tier,
			TargetType:        types.TargetClaude,
			SelectedModel:     cfg.CloudModel,
			EstimatedCostTier: types.CostAPI,
		}

	default: // standard
		endpoint, model, count := bestEndpoint(task, snap, cfg)
		if endpoint == "" {
			return types.RoutingDecision{
				EffectiveTier:  tier,
				TargetType:     types.TargetNone,
				FallbackReason: "no_healthy_ollama_endpoints",
			}
		}
		return types.RoutingDecision{
			EffectiveTier:     tier,
			TargetType:        types.TargetOllama,
			SelectedEndpoint:  endpoint,
			SelectedModel:     model,
			CandidateCount:    count,
			EstimatedCostTier: types.CostLocal,
		}
	}
}

// fallbackFor steps one tier in the direction with capacity. Never
// skips a tier: trivial and complex both fall back to standard,
// standard falls back to complex (cloud has the most headroom).
func fallbackFor(tier types.ComplexityTier) types.ComplexityTier {
	switch tier {
	case types.TierTrivial, types.TierComplex:
		return types.TierStandard
	default:
		return types.TierComplex
	}
}

type candidate struct {
	endpoint string
	model    string
	score    float64
}

// bestEndpoint scores every healthy endpoint that serves a standard
// model and returns the winner plus the candidate count.
func bestEndpoint(task *types.Task, snap *llmreg.Snapshot, cfg Config) (string, string, int) {
	if snap == nil {
		return "", "", 0
	}

	var candidates []candidate
	for _, ep := range snap.Endpoints {
		if ep.Health != types.EndpointHealthy {
			continue
		}
		model := firstServedModel(ep.Models, cfg.StandardModels)
		if model == "" {
			continue
		}
		candidates = append(candidates, candidate{
			endpoint: ep.ID,
			model:    model,
			score:    score(task, ep.ID, model, snap),
		})
	}
	if len(candidates) == 0 {
		return "", "", 0
	}

	// Deterministic order: score descending, endpoint id as tiebreak.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].endpoint < candidates[j].endpoint
	})
	return candidates[0].endpoint, candidates[0].model, len(candidates)
}

// score implements
//
//	base * (1 - load_factor) * capacity_factor * vram_factor *
//	warm_model_bonus * repo_affinity_bonus
//
// with neutral defaults for hosts that have not reported resources.
func score(task *types.Task, endpointID, model string, snap *llmreg.Snapshot) float64 {
	const base = 1.0

	host := hostOf(endpointID)
	res, reported := snap.Resources[host]

	cpu := defaultCPUPercent
	vramFactor := defaultVRAMFactor
	capacity := defaultCapacity
	warm := false
	affinity := false

	if reported {
		cpu = res.CPUPercent
		if res.VRAMTotalMB > 0 {
			free := float64(res.VRAMTotalMB-res.VRAMUsedMB) / float64(res.VRAMTotalMB)
			if free < 0 {
				free = 0
			}
			vramFactor = free
			capacity = float64(res.VRAMTotalMB) / float64(vramReferenceMB)
			if capacity > capacityCap {
				capacity = capacityCap
			}
		}
		for _, loaded := range res.LoadedModels {
			if loaded == model {
				warm = true
				break
			}
		}
		affinity = task.Repo != "" && res.LastRepo == task.Repo
	}

	s := base * (1 - cpu/100) * capacity * vramFactor
	if warm {
		s *= warmModelBonus
	}
	if affinity {
		s *= repoAffinityBonus
	}
	return s
}

func firstServedModel(served, wanted []string) string {
	for _, w := range wanted {
		for _, s := range served {
			if s == w {
				return w
			}
		}
	}
	return ""
}

func hostOf(endpointID string) string {
	for i := 0; i < len(endpointID); i++ {
		if endpointID[i] == ':' {
			return endpointID[:i]
		}
	}
	return endpointID
}

// String renders a decision for logs.
func String(d types.RoutingDecision) string {
	if d.FallbackUsed {
		return fmt.Sprintf("%s via %s (fallback from %s: %s)",
			d.TargetType, d.SelectedEndpoint, d.FallbackFromTier, d.FallbackReason)
	}
	return fmt.Sprintf("%s via %s", d.TargetType, d.SelectedEndpoint)
}
