// Package analyze turns a free-form task into the set of capabilities it
// needs. Every registered capability is scored once against the task; the
// matcher then applies the threshold, hierarchy inference and requirement
// closure.
package analyze

import (
	"context"
	"fmt"
	"log/slog"

	"convene/internal/capability"
	"convene/internal/oracle"
)

type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Analysis is the analyzer's verdict on a task.
type Analysis struct {
	Task       string                      `json:"task"`
	Scores     map[string]float64          `json:"scores"`
	Matches    map[string]capability.Match `json:"matches"`
	Required   []string                    `json:"required"`
	Domains    []string                    `json:"domains"`
	Complexity Complexity                  `json:"complexity"`
}

type Analyzer struct {
	reg     *capability.Registry
	matcher *capability.Matcher
	scorer  oracle.Scorer
	log     *slog.Logger
}

func New(reg *capability.Registry, matcher *capability.Matcher, scorer oracle.Scorer, log *slog.Logger) *Analyzer {
	return &Analyzer{reg: reg, matcher: matcher, scorer: scorer, log: log}
}

func (a *Analyzer) Analyze(ctx context.Context, task string) (*Analysis, error) {
	if task == "" {
		return nil, fmt.Errorf("task is empty")
	}

	caps := a.reg.List()
	scores := make(map[string]float64, len(caps))
	for _, c := range caps {
		// The oracle rates the task against the capability's description;
		// bare capabilities fall back to their name.
		desc := c.Description
		if desc == "" {
			desc = c.Name
		}
		score, err := a.scorer.Score(ctx, task, desc)
		if err != nil {
			return nil, fmt.Errorf("score capability %s: %w", c.Name, err)
		}
		scores[c.Name] = score
	}

	matches, err := a.matcher.MatchSet(scores)
	if err != nil {
		return nil, err
	}

	required := capability.Names(matches)
	domains := a.matcher.Domains(matches)

	analysis := &Analysis{
		Task:       task,
		Scores:     scores,
		Matches:    matches,
		Required:   required,
		Domains:    domains,
		Complexity: classify(len(required), len(domains)),
	}

	a.log.Debug("task analyzed",
		"capabilities", len(required),
		"domains", len(domains),
		"complexity", analysis.Complexity)

	return analysis, nil
}

// classify grades complexity from the breadth of the match set. Spanning
// multiple domains makes a task high complexity regardless of how few
// capabilities it needs.
func classify(required, domains int) Complexity {
	switch {
	case domains >= 2 || required >= 4:
		return ComplexityHigh
	case required >= 2:
		return ComplexityMedium
	default:
		return ComplexityLow
	}
}
