package queue

import (
	"strings"
	"testing"

	"github.com/agentcom/agentcom/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestInferComplexityTrivial(t *testing.T) {
	got := InferComplexity("fix typo in readme", nil)
	assert.Equal(t, types.TierTrivial, got.Tier)
	assert.NotEmpty(t, got.Signals)
	assert.GreaterOrEqual(t, got.Confidence, 0.5)
}

func TestInferComplexityComplex(t *testing.T) {
	got := InferComplexity("refactor the storage schema and migrate existing data", nil)
	assert.Equal(t, types.TierComplex, got.Tier)
}

func TestInferComplexityDefaultsToStandard(t *testing.T) {
	got := InferComplexity("add an endpoint that lists recent deployments for the panel", nil)
	assert.Equal(t, types.TierStandard, got.Tier)
	assert.Equal(t, 0.5, got.Confidence)
}

func TestInferComplexityLongDescription(t *testing.T) {
	long := strings.Repeat("implement the thing carefully with many considerations ", 30)
	got := InferComplexity(long, nil)
	assert.Equal(t, types.TierComplex, got.Tier)
	assert.Contains(t, got.Signals, "long_description")
}

func TestInferComplexityManyHints(t *testing.T) {
	hints := make([]types.FileHint, 6)
	got := InferComplexity("touch a lot of files across the build pipeline today", hints)
	assert.Equal(t, types.TierComplex, got.Tier)
	assert.Contains(t, got.Signals, "many_file_hints")
}

func TestInferComplexityConfidenceCapped(t *testing.T) {
	got := InferComplexity("refactor redesign migrate architecture security performance concurrency", nil)
	assert.LessOrEqual(t, got.Confidence, 0.95)
}
