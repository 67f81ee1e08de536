// Package selector chooses the smallest useful team of agents for an
// analyzed task. Selection is a greedy weighted set cover over the required
// capabilities: each round picks the agent covering the most still-missing
// capability weight, until everything is covered or no agent helps.
package selector

import (
	"fmt"
	"sort"
	"strings"

	"convene/internal/capability"
	"convene/internal/registry"
)

// InsufficientError reports the required capabilities no registered agent
// provides.
type InsufficientError struct {
	Missing []string
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("no agents cover required capabilities: %s", strings.Join(e.Missing, ", "))
}

// Selection is one chosen agent with the capabilities it was chosen for.
type Selection struct {
	Agent  registry.Agent `json:"agent"`
	Covers []string       `json:"covers"`
}

type Selector struct{}

func New() *Selector {
	return &Selector{}
}

// Select picks agents from the snapshot until the match set is covered.
// Candidates are ranked by the summed match score of the capabilities they
// newly cover; ties go to the lower execution priority, then the earlier
// registration. Given the same snapshot and matches the result is always the
// same.
func (s *Selector) Select(agents []registry.Agent, matches map[string]capability.Match) ([]Selection, error) {
	uncovered := make(map[string]float64, len(matches))
	for name, m := range matches {
		uncovered[name] = m.Score
	}

	used := make(map[string]bool, len(agents))
	var selected []Selection

	for len(uncovered) > 0 {
		bestIdx := -1
		bestGain := 0.0
		var bestCovers []string

		for i, a := range agents {
			if used[a.ID] {
				continue
			}
			gain := 0.0
			var covers []string
			for cap := range a.Capabilities {
				if score, ok := uncovered[cap]; ok {
					gain += score
					covers = append(covers, cap)
				}
			}
			if len(covers) == 0 {
				continue
			}
			if bestIdx == -1 || gain > bestGain ||
				(gain == bestGain && betterTie(a, agents[bestIdx])) {
				bestIdx = i
				bestGain = gain
				bestCovers = covers
			}
		}

		if bestIdx == -1 {
			missing := make([]string, 0, len(uncovered))
			for name := range uncovered {
				missing = append(missing, name)
			}
			sort.Strings(missing)
			return nil, &InsufficientError{Missing: missing}
		}

		best := agents[bestIdx]
		used[best.ID] = true
		sort.Strings(bestCovers)
		for _, cap := range bestCovers {
			delete(uncovered, cap)
		}
		selected = append(selected, Selection{Agent: best, Covers: bestCovers})
	}

	return selected, nil
}

// betterTie breaks equal-gain ties: lower execution priority first, then
// the more recently registered agent.
func betterTie(a, b registry.Agent) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Seq > b.Seq
}

// IDs returns the selected agent ids in selection order.
func IDs(selected []Selection) []string {
	out := make([]string, len(selected))
	for i, sel := range selected {
		out[i] = sel.Agent.ID
	}
	return out
}
