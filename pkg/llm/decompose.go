package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentcom/agentcom/pkg/types"
)

// PlannedTask is one task in a decomposition, before submission.
// DependsOn holds indices into the same plan, resolved to real task
// ids at submit time.
type PlannedTask struct {
	Description     string               `json:"description"`
	DependsOn       []int                `json:"depends_on,omitempty"`
	FileHints       []types.FileHint     `json:"file_hints,omitempty"`
	SuccessCriteria []string             `json:"success_criteria,omitempty"`
	ComplexityTier  types.ComplexityTier `json:"complexity_tier,omitempty"`
}

// Decomposition is the parsed decomposer output.
type Decomposition struct {
	Tasks []PlannedTask `json:"tasks"`
}

// DecomposeRequest carries the goal context into the prompt.
type DecomposeRequest struct {
	Goal     *types.Goal
	FileTree []string
	// Feedback is non-empty on a re-prompt; it names what was wrong
	// with the previous plan.
	Feedback string
}

const decomposeSystem = `You are a software planning assistant. Break the goal into
the smallest set of independent, verifiable tasks. Reply with JSON only:
{"tasks": [{"description": "...", "depends_on": [0-based indices],
"file_hints": [{"path": "...", "reason": "..."}],
"success_criteria": ["..."], "complexity_tier": "trivial|standard|complex"}]}
Dependencies must reference earlier tasks only and must not form cycles.
Only reference files that appear in the provided file list.`

// Decompose asks the model to break a goal into a task plan.
func (c *Client) Decompose(ctx context.Context, req DecomposeRequest) (*Decomposition, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n\nDescription:\n%s\n", req.Goal.Title, req.Goal.Description)
	if len(req.Goal.SuccessCriteria) > 0 {
		sb.WriteString("\nSuccess criteria:\n")
		for _, cr := range req.Goal.SuccessCriteria {
			fmt.Fprintf(&sb, "- %s\n", cr)
		}
	}
	if req.Goal.Repo != "" {
		fmt.Fprintf(&sb, "\nRepository: %s\n", req.Goal.Repo)
	}
	if len(req.FileTree) > 0 {
		sb.WriteString("\nFiles:\n")
		for _, f := range req.FileTree {
			fmt.Fprintf(&sb, "%s\n", f)
		}
	}
	if req.Feedback != "" {
		fmt.Fprintf(&sb, "\nYour previous plan was rejected: %s\nProduce a corrected plan.\n", req.Feedback)
	}

	raw, err := c.Complete(ctx, "decompose", decomposeSystem, sb.String())
	if err != nil {
		return nil, err
	}

	var plan Decomposition
	if err := json.Unmarshal([]byte(extractJSON(raw)), &plan); err != nil {
		return nil, fmt.Errorf("failed to parse decomposition: %w", err)
	}
	if len(plan.Tasks) == 0 {
		return nil, fmt.Errorf("decomposition contained no tasks")
	}
	return &plan, nil
}
