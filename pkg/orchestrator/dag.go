package orchestrator

import (
	"fmt"

	"github.com/agentcom/agentcom/pkg/llm"
)

// ValidatePlan checks a decomposition's dependency structure: every
// index in range, no self-references, no cycles. The returned error
// text is fed back to the model verbatim on a re-prompt.
func ValidatePlan(tasks []llm.PlannedTask) error {
	n := len(tasks)
	for i, t := range tasks {
		for _, dep := range t.DependsOn {
			if dep < 0 || dep >= n {
				return fmt.Errorf("task %d depends on index %d, which does not exist (valid range 0..%d)", i, dep, n-1)
			}
			if dep == i {
				return fmt.Errorf("task %d depends on itself", i)
			}
		}
	}
	if _, err := TopologicalOrder(tasks); err != nil {
		return err
	}
	return nil
}

// TopologicalOrder returns the task indices in dependency order using
// Kahn's algorithm. Fails when the graph has a cycle.
func TopologicalOrder(tasks []llm.PlannedTask) ([]int, error) {
	n := len(tasks)
	indegree := make([]int, n)
	dependents := make([][]int, n)
	for i, t := range tasks {
		for _, dep := range t.DependsOn {
			if dep < 0 || dep >= n || dep == i {
				return nil, fmt.Errorf("task %d has invalid dependency %d", i, dep)
			}
			indegree[i]++
			dependents[dep] = append(dependents[dep], i)
		}
	}

	var queue []int
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]int, 0, n)
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		order = append(order, i)
		for _, j := range dependents[i] {
			indegree[j]--
			if indegree[j] == 0 {
				queue = append(queue, j)
			}
		}
	}

	if len(order) != n {
		var cyclic []int
		for i := 0; i < n; i++ {
			if indegree[i] > 0 {
				cyclic = append(cyclic, i)
			}
		}
		return nil, fmt.Errorf("dependency cycle involving tasks %v", cyclic)
	}
	return order, nil
}
