// Package plan turns a selected team into an ordered execution plan. Agent
// depends_on edges form a DAG; layers are computed by depth so that every
// agent runs after all of its dependencies and independent agents share a
// layer.
package plan

import (
	"fmt"
	"sort"
	"strings"

	"convene/internal/registry"
)

type Strategy string

const (
	StrategyParallel     Strategy = "parallel"
	StrategySequential   Strategy = "sequential"
	StrategyDynamic      Strategy = "dynamic"
	StrategyHierarchical Strategy = "hierarchical"
)

// ParseStrategy validates a strategy label, defaulting empty to parallel.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return StrategyParallel, nil
	case StrategyParallel, StrategySequential, StrategyDynamic, StrategyHierarchical:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown strategy %q", s)
	}
}

// CycleError names the agents involved in a dependency cycle.
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle between agents: %s", strings.Join(e.Members, ", "))
}

// Layer is a group of agent ids that execute in parallel.
type Layer struct {
	Agents []string `json:"agents"`
}

// Path is a named continuation for dynamic plans. After the base layers
// finish, one path is chosen and its agents run as a final layer.
type Path struct {
	Name   string   `json:"name"`
	Agents []string `json:"agents"`
}

type Plan struct {
	Strategy Strategy `json:"strategy"`
	Layers   []Layer  `json:"layers"`
	// Inputs maps an agent id to the predecessor agents whose output feeds
	// into its prompt.
	Inputs map[string][]string `json:"inputs,omitempty"`
	Paths  []Path              `json:"paths,omitempty"`
}

// AgentCount returns the number of agents across all layers.
func (p *Plan) AgentCount() int {
	n := 0
	for _, l := range p.Layers {
		n += len(l.Agents)
	}
	return n
}

// Build computes the layered plan for a team. Dependency edges pointing
// outside the team are ignored; they are considered already satisfied.
// Sequential plans get exactly one agent per layer, in topological order
// with execution priority breaking ties.
func Build(agents []registry.Agent, strategy Strategy, paths []Path) (*Plan, error) {
	members := make(map[string]registry.Agent, len(agents))
	for _, a := range agents {
		members[a.ID] = a
	}

	// deps[id] lists the in-team dependencies of id.
	deps := make(map[string][]string, len(agents))
	for _, a := range agents {
		for _, dep := range a.DependsOn {
			if _, ok := members[dep]; ok {
				deps[a.ID] = append(deps[a.ID], dep)
			}
		}
	}

	if cycle := findCycle(members, deps); cycle != nil {
		return nil, &CycleError{Members: cycle}
	}

	for _, p := range paths {
		for _, id := range p.Agents {
			if _, ok := members[id]; !ok {
				return nil, fmt.Errorf("path %s references unknown agent %q", p.Name, id)
			}
		}
	}

	depth := layerDepths(members, deps)

	maxDepth := 0
	for _, d := range depth {
		if d > maxDepth {
			maxDepth = d
		}
	}

	byDepth := make(map[int][]string)
	for id, d := range depth {
		byDepth[d] = append(byDepth[d], id)
	}

	var layers []Layer
	for d := 0; d <= maxDepth; d++ {
		ids := byDepth[d]
		if len(ids) == 0 {
			continue
		}
		sortAgents(ids, members)
		layers = append(layers, Layer{Agents: ids})
	}

	if strategy == StrategySequential {
		layers = flatten(layers)
	}

	inputs := make(map[string][]string)
	for id, ds := range deps {
		sorted := append([]string(nil), ds...)
		sort.Strings(sorted)
		inputs[id] = sorted
	}

	return &Plan{
		Strategy: strategy,
		Layers:   layers,
		Inputs:   inputs,
		Paths:    paths,
	}, nil
}

// layerDepths runs Kahn's algorithm, assigning each agent the length of its
// longest dependency chain. Callers must have checked for cycles first.
func layerDepths(members map[string]registry.Agent, deps map[string][]string) map[string]int {
	dependents := make(map[string][]string)
	inDegree := make(map[string]int, len(members))
	for id := range members {
		inDegree[id] = 0
	}
	for id, ds := range deps {
		for _, dep := range ds {
			dependents[dep] = append(dependents[dep], id)
			inDegree[id]++
		}
	}

	depth := make(map[string]int, len(members))
	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
			depth[id] = 0
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		for _, next := range dependents[id] {
			if d := depth[id] + 1; d > depth[next] {
				depth[next] = d
			}
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	return depth
}

// findCycle walks the dependency graph depth-first and returns the members
// of the first cycle found, sorted, or nil when the graph is acyclic.
func findCycle(members map[string]registry.Agent, deps map[string][]string) []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(members))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)

		sorted := append([]string(nil), deps[id]...)
		sort.Strings(sorted)
		for _, dep := range sorted {
			switch color[dep] {
			case gray:
				// Everything on the stack from dep onward is in the cycle.
				for i := len(stack) - 1; i >= 0; i-- {
					cycle = append(cycle, stack[i])
					if stack[i] == dep {
						break
					}
				}
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white && visit(id) {
			sort.Strings(cycle)
			return cycle
		}
	}
	return nil
}

// sortAgents orders a layer by execution priority, then registration order,
// then id.
func sortAgents(ids []string, members map[string]registry.Agent) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := members[ids[i]], members[ids[j]]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ID < b.ID
	})
}

func flatten(layers []Layer) []Layer {
	var out []Layer
	for _, l := range layers {
		for _, id := range l.Agents {
			out = append(out, Layer{Agents: []string{id}})
		}
	}
	return out
}
