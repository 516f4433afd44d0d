package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentcom/agentcom/pkg/types"
)

// Gap is one shortfall found by the verifier. Critical gaps bump the
// follow-up task's priority one level.
type Gap struct {
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

// Verdict is the parsed verifier output.
type Verdict struct {
	Verdict string `json:"verdict"`
	Gaps    []Gap  `json:"gaps,omitempty"`
}

// Pass reports whether the goal was judged complete.
func (v *Verdict) Pass() bool { return v.Verdict == "pass" }

// VerifyRequest carries the goal and its child-task outcomes into the
// prompt.
type VerifyRequest struct {
	Goal           *types.Goal
	ResultsSummary string
}

const verifySystem = `You are a software delivery verifier. Judge whether the
completed tasks satisfy the goal's success criteria. Reply with JSON only:
{"verdict": "pass"} or
{"verdict": "fail", "gaps": [{"description": "...", "severity": "minor|major|critical"}]}`

// Verify asks the model to judge a goal's outcome.
func (c *Client) Verify(ctx context.Context, req VerifyRequest) (*Verdict, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n\nDescription:\n%s\n", req.Goal.Title, req.Goal.Description)
	if len(req.Goal.SuccessCriteria) > 0 {
		sb.WriteString("\nSuccess criteria:\n")
		for _, cr := range req.Goal.SuccessCriteria {
			fmt.Fprintf(&sb, "- %s\n", cr)
		}
	}
	fmt.Fprintf(&sb, "\nTask outcomes:\n%s\n", req.ResultsSummary)

	raw, err := c.Complete(ctx, "verify", verifySystem, sb.String())
	if err != nil {
		return nil, err
	}

	var verdict Verdict
	if err := json.Unmarshal([]byte(extractJSON(raw)), &verdict); err != nil {
		return nil, fmt.Errorf("failed to parse verdict: %w", err)
	}
	if verdict.Verdict != "pass" && verdict.Verdict != "fail" {
		return nil, fmt.Errorf("verifier returned unknown verdict %q", verdict.Verdict)
	}
	return &verdict, nil
}
