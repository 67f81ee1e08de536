package capability

import (
	"errors"
	"testing"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	caps := []Capability{
		{Name: "analysis", Description: "general analysis", Domain: "analysis"},
		{Name: "research", Description: "research", Domain: "analysis", Parent: "analysis"},
		{Name: "code_generation", Description: "write code", Domain: "engineering"},
		{Name: "code_review", Description: "review code", Domain: "engineering", Requires: []string{"code_generation"}},
	}
	for _, c := range caps {
		if err := reg.Register(c); err != nil {
			t.Fatalf("register %s: %v", c.Name, err)
		}
	}
	return reg
}

func TestMatchSet_Threshold(t *testing.T) {
	m := NewMatcher(newTestRegistry(t), 0.6)

	matches, err := m.MatchSet(map[string]float64{
		"research":        0.9,
		"code_generation": 0.3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := matches["research"]; !ok {
		t.Error("expected research to match")
	}
	if _, ok := matches["code_generation"]; ok {
		t.Error("expected code_generation below threshold to be rejected")
	}
}

func TestMatchSet_ParentInference(t *testing.T) {
	m := NewMatcher(newTestRegistry(t), 0.6)

	matches, err := m.MatchSet(map[string]float64{"research": 0.8})
	if err != nil {
		t.Fatal(err)
	}
	parent, ok := matches["analysis"]
	if !ok {
		t.Fatal("expected parent capability to be inferred from matched child")
	}
	if !parent.Inferred {
		t.Error("expected parent match to be marked inferred")
	}
	if parent.Score != 0.8 {
		t.Errorf("expected inherited score 0.8, got %v", parent.Score)
	}
}

func TestMatchSet_RequiresClosure(t *testing.T) {
	m := NewMatcher(newTestRegistry(t), 0.6)

	// code_review scores high but its requirement does not match.
	matches, err := m.MatchSet(map[string]float64{
		"code_review": 0.95,
		"research":    0.7,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := matches["code_review"]; ok {
		t.Error("expected code_review to be excluded without code_generation")
	}

	// With the requirement satisfied it survives.
	matches, err = m.MatchSet(map[string]float64{
		"code_review":     0.95,
		"code_generation": 0.8,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := matches["code_review"]; !ok {
		t.Error("expected code_review to match when code_generation matches")
	}
}

func TestMatchSet_NoMatch(t *testing.T) {
	m := NewMatcher(newTestRegistry(t), 0.6)

	_, err := m.MatchSet(map[string]float64{"research": 0.1})
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
}

func TestMatchSet_InvalidScore(t *testing.T) {
	m := NewMatcher(newTestRegistry(t), 0.6)

	if _, err := m.MatchSet(map[string]float64{"research": 1.5}); err == nil {
		t.Fatal("expected error for out-of-range score")
	}
}

func TestRegister_CycleRejected(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Capability{Name: "a", Requires: []string{"b"}}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(Capability{Name: "b", Parent: "a"}); err == nil {
		t.Fatal("expected cycle through parent/requires graph to be rejected")
	}
	// Rejected registration must not stick.
	if _, ok := reg.Get("b"); ok {
		t.Error("expected rejected capability to be rolled back")
	}
}

func TestDomains(t *testing.T) {
	reg := newTestRegistry(t)
	m := NewMatcher(reg, 0.6)

	matches, err := m.MatchSet(map[string]float64{
		"research":        0.9,
		"code_generation": 0.9,
	})
	if err != nil {
		t.Fatal(err)
	}
	domains := m.Domains(matches)
	if len(domains) != 2 || domains[0] != "analysis" || domains[1] != "engineering" {
		t.Errorf("unexpected domains: %v", domains)
	}
}

func TestUnregister(t *testing.T) {
	reg := newTestRegistry(t)
	if !reg.Unregister("research") {
		t.Fatal("expected unregister to succeed")
	}
	if reg.Unregister("research") {
		t.Fatal("expected second unregister to report missing")
	}
}
