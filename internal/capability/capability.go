package capability

import (
	"fmt"
	"sort"
	"sync"
)

// Capability is a named skill an agent may declare. A capability can inherit
// from a parent (matching a child implies the parent is satisfied) and can
// require sibling capabilities that must be matched alongside it.
type Capability struct {
	Name        string
	Description string
	Domain      string
	Parent      string
	Requires    []string
	Examples    []string
}

// Registry holds the known capability hierarchy. All mutation goes through
// Register/Unregister; readers get copies.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

func (r *Registry) Register(c Capability) error {
	if c.Name == "" {
		return fmt.Errorf("capability name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, existed := r.caps[c.Name]
	r.caps[c.Name] = c

	if err := r.checkAcyclic(); err != nil {
		// Roll back the registration that introduced the cycle.
		if existed {
			r.caps[c.Name] = prev
		} else {
			delete(r.caps, c.Name)
		}
		return err
	}
	return nil
}

func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.caps[name]; !ok {
		return false
	}
	delete(r.caps, name)
	return true
}

func (r *Registry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

// List returns all capabilities sorted by name for deterministic iteration.
func (r *Registry) List() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Capability, 0, len(r.caps))
	for _, c := range r.caps {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.caps)
}

// descendants returns the names of all capabilities below name in the
// parent hierarchy. Caller must hold at least a read lock.
func (r *Registry) descendants(name string) []string {
	var out []string
	var walk func(parent string)
	walk = func(parent string) {
		for _, c := range r.caps {
			if c.Parent == parent {
				out = append(out, c.Name)
				walk(c.Name)
			}
		}
	}
	walk(name)
	sort.Strings(out)
	return out
}

// checkAcyclic validates that the combined parent/requires graph has no
// cycles. Caller must hold the write lock.
func (r *Registry) checkAcyclic() error {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(r.caps))

	var visit func(name string) error
	visit = func(name string) error {
		c, ok := r.caps[name]
		if !ok {
			return nil // dangling reference, tolerated until registered
		}
		switch color[name] {
		case gray:
			return fmt.Errorf("capability graph contains a cycle through %s", name)
		case black:
			return nil
		}
		color[name] = gray
		if c.Parent != "" {
			if err := visit(c.Parent); err != nil {
				return err
			}
		}
		for _, req := range c.Requires {
			if err := visit(req); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}

	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}
