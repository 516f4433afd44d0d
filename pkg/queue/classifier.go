package queue

import (
	"strings"

	"github.com/agentcom/agentcom/pkg/types"
)

// Keyword sets for the heuristic complexity classifier. Matching is
// case-insensitive on whole words of the description.
var (
	trivialKeywords = []string{
		"typo", "rename", "comment", "whitespace", "format",
		"bump", "version", "readme", "docstring",
	}
	complexKeywords = []string{
		"refactor", "architecture", "redesign", "migrate",
		"concurrency", "protocol", "security", "performance",
		"distributed", "schema",
	}
)

// InferComplexity classifies a task description into a tier when the
// submitter did not declare one. The classifier is intentionally
// shallow: keyword hits plus description size. Standard is the default
// tier when the signals disagree or are absent.
func InferComplexity(description string, hints []types.FileHint) types.InferredComplexity {
	lower := strings.ToLower(description)
	words := strings.Fields(lower)

	var signals []string
	trivialHits := 0
	complexHits := 0
	for _, w := range words {
		w = strings.Trim(w, ".,;:!?()[]{}\"'")
		for _, k := range trivialKeywords {
			if w == k {
				trivialHits++
				signals = append(signals, "keyword:"+k)
			}
		}
		for _, k := range complexKeywords {
			if w == k {
				complexHits++
				signals = append(signals, "keyword:"+k)
			}
		}
	}

	if len(words) > 120 {
		complexHits++
		signals = append(signals, "long_description")
	} else if len(words) < 8 {
		trivialHits++
		signals = append(signals, "short_description")
	}

	if len(hints) > 5 {
		complexHits++
		signals = append(signals, "many_file_hints")
	}

	switch {
	case complexHits > trivialHits:
		return types.InferredComplexity{
			Tier:       types.TierComplex,
			Confidence: confidence(complexHits, trivialHits),
			Signals:    signals,
		}
	case trivialHits > complexHits && trivialHits >= 2:
		return types.InferredComplexity{
			Tier:       types.TierTrivial,
			Confidence: confidence(trivialHits, complexHits),
			Signals:    signals,
		}
	default:
		return types.InferredComplexity{
			Tier:       types.TierStandard,
			Confidence: 0.5,
			Signals:    signals,
		}
	}
}

// confidence maps a keyword margin to [0.5, 0.95].
func confidence(winner, loser int) float64 {
	margin := winner - loser
	c := 0.5 + 0.15*float64(margin)
	if c > 0.95 {
		c = 0.95
	}
	return c
}
