package analyze

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"convene/internal/capability"
	"convene/internal/oracle"
)

func newTestAnalyzer(t *testing.T, scores map[string]float64) *Analyzer {
	t.Helper()
	reg := capability.NewRegistry()
	caps := []capability.Capability{
		{Name: "research", Domain: "analysis"},
		{Name: "planning", Domain: "analysis"},
		{Name: "code_generation", Domain: "engineering"},
		{Name: "evaluation", Domain: "analysis"},
	}
	for _, c := range caps {
		if err := reg.Register(c); err != nil {
			t.Fatal(err)
		}
	}
	scorer := oracle.ScorerFunc(func(ctx context.Context, task, cap string) (float64, error) {
		return scores[cap], nil
	})
	matcher := capability.NewMatcher(reg, 0.6)
	return New(reg, matcher, scorer, slog.Default())
}

func TestAnalyze_SingleCapability(t *testing.T) {
	a := newTestAnalyzer(t, map[string]float64{"research": 0.9})

	analysis, err := a.Analyze(context.Background(), "find recent papers on raft")
	if err != nil {
		t.Fatal(err)
	}
	if len(analysis.Required) != 1 || analysis.Required[0] != "research" {
		t.Errorf("unexpected required set: %v", analysis.Required)
	}
	if analysis.Complexity != ComplexityLow {
		t.Errorf("expected low complexity, got %s", analysis.Complexity)
	}
}

func TestAnalyze_MultiDomainIsHigh(t *testing.T) {
	a := newTestAnalyzer(t, map[string]float64{
		"research":        0.8,
		"code_generation": 0.9,
	})

	analysis, err := a.Analyze(context.Background(), "research and implement a cache")
	if err != nil {
		t.Fatal(err)
	}
	if analysis.Complexity != ComplexityHigh {
		t.Errorf("expected high complexity for two domains, got %s", analysis.Complexity)
	}
	if len(analysis.Domains) != 2 {
		t.Errorf("expected 2 domains, got %v", analysis.Domains)
	}
}

func TestAnalyze_TwoSameDomainIsMedium(t *testing.T) {
	a := newTestAnalyzer(t, map[string]float64{
		"research": 0.8,
		"planning": 0.7,
	})

	analysis, err := a.Analyze(context.Background(), "plan a research effort")
	if err != nil {
		t.Fatal(err)
	}
	if analysis.Complexity != ComplexityMedium {
		t.Errorf("expected medium complexity, got %s", analysis.Complexity)
	}
}

func TestAnalyze_ScoresAgainstDescription(t *testing.T) {
	reg := capability.NewRegistry()
	for _, c := range []capability.Capability{
		{Name: "research", Description: "locate and summarize relevant sources"},
		{Name: "planning"},
	} {
		if err := reg.Register(c); err != nil {
			t.Fatal(err)
		}
	}

	asked := make(map[string]bool)
	scorer := oracle.ScorerFunc(func(ctx context.Context, task, cap string) (float64, error) {
		asked[cap] = true
		return 0.9, nil
	})
	a := New(reg, capability.NewMatcher(reg, 0.6), scorer, slog.Default())

	if _, err := a.Analyze(context.Background(), "find sources"); err != nil {
		t.Fatal(err)
	}
	if !asked["locate and summarize relevant sources"] {
		t.Error("oracle was not given the capability description")
	}
	// Capabilities without a description fall back to the name.
	if !asked["planning"] {
		t.Error("oracle was not given the name fallback")
	}
}

func TestAnalyze_NoMatch(t *testing.T) {
	a := newTestAnalyzer(t, map[string]float64{})

	_, err := a.Analyze(context.Background(), "do something nothing covers")
	if !errors.Is(err, capability.ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
}

func TestAnalyze_ScorerFailure(t *testing.T) {
	reg := capability.NewRegistry()
	if err := reg.Register(capability.Capability{Name: "research"}); err != nil {
		t.Fatal(err)
	}
	scorer := oracle.ScorerFunc(func(ctx context.Context, task, cap string) (float64, error) {
		return 0, oracle.ErrUnavailable
	})
	a := New(reg, capability.NewMatcher(reg, 0.6), scorer, slog.Default())

	_, err := a.Analyze(context.Background(), "anything")
	if !errors.Is(err, oracle.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestAnalyze_EmptyTask(t *testing.T) {
	a := newTestAnalyzer(t, nil)
	if _, err := a.Analyze(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty task")
	}
}
