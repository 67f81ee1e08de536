package selector

import (
	"errors"
	"reflect"
	"testing"

	"convene/internal/capability"
	"convene/internal/registry"
)

func matchSet(scores map[string]float64) map[string]capability.Match {
	out := make(map[string]capability.Match, len(scores))
	for name, score := range scores {
		out[name] = capability.Match{Name: name, Score: score}
	}
	return out
}

func TestSelect_PrefersBroaderCoverage(t *testing.T) {
	agents := []registry.Agent{
		{ID: "narrow", Capabilities: map[string]string{"research": ""}, Seq: 1},
		{ID: "wide", Capabilities: map[string]string{"research": "", "planning": ""}, Seq: 2},
	}
	matches := matchSet(map[string]float64{"research": 0.8, "planning": 0.8})

	selected, err := New().Select(agents, matches)
	if err != nil {
		t.Fatal(err)
	}
	if len(selected) != 1 || selected[0].Agent.ID != "wide" {
		t.Errorf("expected single wide agent, got %v", IDs(selected))
	}
	if !reflect.DeepEqual(selected[0].Covers, []string{"planning", "research"}) {
		t.Errorf("unexpected covers: %v", selected[0].Covers)
	}
}

func TestSelect_MultipleAgents(t *testing.T) {
	agents := []registry.Agent{
		{ID: "researcher", Capabilities: map[string]string{"research": ""}, Seq: 1},
		{ID: "coder", Capabilities: map[string]string{"code_generation": ""}, Seq: 2},
	}
	matches := matchSet(map[string]float64{"research": 0.9, "code_generation": 0.7})

	selected, err := New().Select(agents, matches)
	if err != nil {
		t.Fatal(err)
	}
	if len(selected) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(selected))
	}
	// Higher-scored capability gets covered first.
	if selected[0].Agent.ID != "researcher" {
		t.Errorf("expected researcher first, got %v", IDs(selected))
	}
}

func TestSelect_TieBreaks(t *testing.T) {
	// Equal gain: lower priority wins.
	agents := []registry.Agent{
		{ID: "late", Capabilities: map[string]string{"research": ""}, Priority: 2, Seq: 1},
		{ID: "early", Capabilities: map[string]string{"research": ""}, Priority: 1, Seq: 2},
	}
	matches := matchSet(map[string]float64{"research": 0.8})

	selected, err := New().Select(agents, matches)
	if err != nil {
		t.Fatal(err)
	}
	if selected[0].Agent.ID != "early" {
		t.Errorf("expected lower priority to win tie, got %s", selected[0].Agent.ID)
	}

	// Equal gain and priority: the most recent registration wins.
	agents = []registry.Agent{
		{ID: "first", Capabilities: map[string]string{"research": ""}, Seq: 1},
		{ID: "second", Capabilities: map[string]string{"research": ""}, Seq: 2},
	}
	selected, err = New().Select(agents, matches)
	if err != nil {
		t.Fatal(err)
	}
	if selected[0].Agent.ID != "second" {
		t.Errorf("expected most recent registration to win tie, got %s", selected[0].Agent.ID)
	}
}

func TestSelect_Deterministic(t *testing.T) {
	agents := []registry.Agent{
		{ID: "a", Capabilities: map[string]string{"research": "", "planning": ""}, Seq: 1},
		{ID: "b", Capabilities: map[string]string{"planning": "", "evaluation": ""}, Seq: 2},
		{ID: "c", Capabilities: map[string]string{"evaluation": "", "research": ""}, Seq: 3},
	}
	matches := matchSet(map[string]float64{"research": 0.7, "planning": 0.7, "evaluation": 0.7})

	first, err := New().Select(agents, matches)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		again, err := New().Select(agents, matches)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(IDs(first), IDs(again)) {
			t.Fatalf("selection not deterministic: %v vs %v", IDs(first), IDs(again))
		}
	}
}

func TestSelect_Insufficient(t *testing.T) {
	agents := []registry.Agent{
		{ID: "researcher", Capabilities: map[string]string{"research": ""}, Seq: 1},
	}
	matches := matchSet(map[string]float64{"research": 0.8, "code_generation": 0.9, "tool_use": 0.7})

	_, err := New().Select(agents, matches)
	var insufficient *InsufficientError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientError, got %v", err)
	}
	want := []string{"code_generation", "tool_use"}
	if !reflect.DeepEqual(insufficient.Missing, want) {
		t.Errorf("expected missing %v, got %v", want, insufficient.Missing)
	}
}

func TestSelect_EmptyMatches(t *testing.T) {
	selected, err := New().Select(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(selected) != 0 {
		t.Errorf("expected empty selection, got %v", selected)
	}
}
