package capability

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNoMatch is returned when no registered capability satisfies the task,
// including its requirement closure.
var ErrNoMatch = errors.New("no capability matches the task")

// Match is one accepted capability for a task.
type Match struct {
	Name  string
	Score float64 // effective score: own score or best descendant
	// Inferred is true when the capability was accepted only because a
	// descendant matched, not on its own score.
	Inferred bool
}

// Matcher filters oracle scores into a hierarchy-aware match set.
type Matcher struct {
	reg       *Registry
	threshold float64
}

func NewMatcher(reg *Registry, threshold float64) *Matcher {
	return &Matcher{reg: reg, threshold: threshold}
}

func (m *Matcher) Threshold() float64 { return m.threshold }

// MatchSet applies the threshold, parent inference and requirement closure to
// a map of oracle scores (capability name -> score in [0,1]). Scores for
// unregistered capabilities are ignored. The result maps capability name to
// its match; ErrNoMatch is returned when nothing survives the closure.
func (m *Matcher) MatchSet(scores map[string]float64) (map[string]Match, error) {
	for name, score := range scores {
		if score < 0 || score > 1 {
			return nil, fmt.Errorf("score for %s out of range: %v", name, score)
		}
	}

	m.reg.mu.RLock()
	defer m.reg.mu.RUnlock()

	// Pass 1: threshold on own score.
	matched := make(map[string]Match)
	for name := range m.reg.caps {
		if s, ok := scores[name]; ok && s >= m.threshold {
			matched[name] = Match{Name: name, Score: s}
		}
	}

	// Pass 2: parent inference. A capability is matched when any descendant
	// is matched, carrying the best descendant score upward.
	for name := range m.reg.caps {
		if _, ok := matched[name]; ok {
			continue
		}
		best := 0.0
		for _, desc := range m.reg.descendants(name) {
			if dm, ok := matched[desc]; ok && dm.Score > best {
				best = dm.Score
			}
		}
		if best >= m.threshold {
			matched[name] = Match{Name: name, Score: best, Inferred: true}
		}
	}

	// Pass 3: requirement closure. A capability with requires is only usable
	// when every required capability is matched too. Removing one can strand
	// another, so iterate to a fixed point.
	for {
		removed := false
		for name := range matched {
			c := m.reg.caps[name]
			for _, req := range c.Requires {
				if _, ok := matched[req]; !ok {
					delete(matched, name)
					removed = true
					break
				}
			}
		}
		if !removed {
			break
		}
	}

	if len(matched) == 0 {
		return nil, ErrNoMatch
	}
	return matched, nil
}

// Names returns the sorted capability names of a match set.
func Names(matches map[string]Match) []string {
	out := make([]string, 0, len(matches))
	for name := range matches {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Domains returns the sorted distinct domain labels of a match set.
func (m *Matcher) Domains(matches map[string]Match) []string {
	m.reg.mu.RLock()
	defer m.reg.mu.RUnlock()

	seen := make(map[string]bool)
	for name := range matches {
		if c, ok := m.reg.caps[name]; ok && c.Domain != "" {
			seen[strings.ToLower(c.Domain)] = true
		}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
