// Package registry tracks the agents available for selection. Agents come in
// two ways: declared in config and synced at startup, or registered at
// runtime over the API. Either way the store is the source of truth and the
// in-memory cache exists only to give the selector a cheap, stable snapshot.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"convene/internal/config"
	"convene/internal/store"
)

// Agent is one selectable agent. Capabilities maps capability name to the
// agent's own description of how it provides it. Seq is the registration
// order and breaks selection ties deterministically.
type Agent struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Framework    string            `json:"framework,omitempty"`
	Capabilities map[string]string `json:"capabilities"`
	Priority     int               `json:"execution_priority"`
	DependsOn    []string          `json:"depends_on,omitempty"`
	Seq          int64             `json:"seq"`
}

func (a Agent) clone() Agent {
	c := a
	c.Capabilities = make(map[string]string, len(a.Capabilities))
	for k, v := range a.Capabilities {
		c.Capabilities[k] = v
	}
	c.DependsOn = append([]string(nil), a.DependsOn...)
	return c
}

type Registry struct {
	mu     sync.RWMutex
	store  *store.Store
	agents map[string]Agent
}

func New(s *store.Store) *Registry {
	return &Registry{
		store:  s,
		agents: make(map[string]Agent),
	}
}

// Sync replaces the registry contents with the config-declared agents and
// loads whatever the store already knows on top.
func (r *Registry) Sync(defs map[string]config.AgentDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)

	ids := make([]string, 0, len(names))
	for _, name := range names {
		def := defs[name]
		a := Agent{
			ID:           name,
			Name:         def.Name,
			Description:  def.Description,
			Framework:    def.Framework,
			Capabilities: def.Capabilities,
			Priority:     def.Priority,
			DependsOn:    def.DependsOn,
		}
		if a.Name == "" {
			a.Name = name
		}
		if err := r.save(&a); err != nil {
			return fmt.Errorf("sync agent %s: %w", name, err)
		}
		ids = append(ids, name)
	}

	if err := r.store.DeleteAgentsNotIn(ids); err != nil {
		return fmt.Errorf("delete stale agents: %w", err)
	}

	return r.load()
}

// Register adds or updates an agent at runtime.
func (r *Registry) Register(a Agent) error {
	if a.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	if len(a.Capabilities) == 0 {
		return fmt.Errorf("agent %s declares no capabilities", a.ID)
	}
	if a.Name == "" {
		a.Name = a.ID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.save(&a)
}

func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return fmt.Errorf("agent %s not registered", id)
	}
	if err := r.store.DeleteAgent(id); err != nil {
		return fmt.Errorf("delete agent %s: %w", id, err)
	}
	delete(r.agents, id)
	return nil
}

func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, false
	}
	return a.clone(), true
}

// Snapshot returns copies of all agents in registration order. The selector
// works from a snapshot so a concurrent register cannot change a selection
// mid-flight.
func (r *Registry) Snapshot() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// save persists an agent and refreshes the cache entry. Caller must hold the
// write lock.
func (r *Registry) save(a *Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	var deps json.RawMessage
	if len(a.DependsOn) > 0 {
		deps, err = json.Marshal(a.DependsOn)
		if err != nil {
			return fmt.Errorf("marshal depends_on: %w", err)
		}
	}

	rec := &store.Agent{
		ID:           a.ID,
		Name:         a.Name,
		Description:  a.Description,
		Framework:    a.Framework,
		Capabilities: caps,
		Priority:     a.Priority,
		DependsOn:    deps,
	}
	if err := r.store.SaveAgent(rec); err != nil {
		return err
	}
	a.Seq = rec.Seq
	r.agents[a.ID] = a.clone()
	return nil
}

// load rebuilds the cache from the store. Caller must hold the write lock.
func (r *Registry) load() error {
	records, err := r.store.ListAgents()
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}

	agents := make(map[string]Agent, len(records))
	for _, rec := range records {
		a := Agent{
			ID:          rec.ID,
			Name:        rec.Name,
			Description: rec.Description,
			Framework:   rec.Framework,
			Priority:    rec.Priority,
			Seq:         rec.Seq,
		}
		if err := json.Unmarshal(rec.Capabilities, &a.Capabilities); err != nil {
			return fmt.Errorf("decode capabilities for %s: %w", rec.ID, err)
		}
		if len(rec.DependsOn) > 0 {
			if err := json.Unmarshal(rec.DependsOn, &a.DependsOn); err != nil {
				return fmt.Errorf("decode depends_on for %s: %w", rec.ID, err)
			}
		}
		agents[a.ID] = a
	}
	r.agents = agents
	return nil
}
