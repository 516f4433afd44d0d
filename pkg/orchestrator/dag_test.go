package orchestrator

import (
	"testing"

	"github.com/agentcom/agentcom/pkg/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planOf(deps ...[]int) []llm.PlannedTask {
	tasks := make([]llm.PlannedTask, len(deps))
	for i, d := range deps {
		tasks[i] = llm.PlannedTask{Description: "t", DependsOn: d}
	}
	return tasks
}

func TestValidatePlanAcceptsDAG(t *testing.T) {
	assert.NoError(t, ValidatePlan(planOf(nil, []int{0}, []int{0, 1})))
	assert.NoError(t, ValidatePlan(planOf(nil)))
}

func TestValidatePlanRejectsOutOfRange(t *testing.T) {
	err := ValidatePlan(planOf(nil, []int{5}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")

	assert.Error(t, ValidatePlan(planOf([]int{-1})))
}

func TestValidatePlanRejectsSelfReference(t *testing.T) {
	err := ValidatePlan(planOf(nil, []int{1}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depends on itself")
}

func TestValidatePlanRejectsCycle(t *testing.T) {
	err := ValidatePlan(planOf([]int{1}, []int{0}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestTopologicalOrderRespectsDependencies(t *testing.T) {
	// 2 -> 0 -> 1, 2 -> 1
	tasks := planOf([]int{2}, []int{0, 2}, nil)

	order, err := TopologicalOrder(tasks)
	require.NoError(t, err)
	require.Len(t, order, 3)

	pos := make(map[int]int)
	for p, idx := range order {
		pos[idx] = p
	}
	assert.Less(t, pos[2], pos[0])
	assert.Less(t, pos[0], pos[1])
}

func TestValidateMatchesTopologicalOrder(t *testing.T) {
	// Validation succeeds exactly when a topological order exists.
	cases := [][]llm.PlannedTask{
		planOf(nil, []int{0}),
		planOf([]int{1}, []int{0}),
		planOf(nil, nil, []int{0, 1}),
		planOf([]int{0}),
	}
	for i, tasks := range cases {
		_, topoErr := TopologicalOrder(tasks)
		valErr := ValidatePlan(tasks)
		assert.Equal(t, topoErr == nil, valErr == nil, "case %d", i)
	}
}
