package schedule

import (
	"strings"
	"testing"
	"time"
)

func TestNormalize_PlainCron(t *testing.T) {
	got, err := Normalize("*/5 * * * *")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, `"kind":"cron"`) {
		t.Errorf("expected wrapped cron, got %s", got)
	}
}

func TestNormalize_InvalidCron(t *testing.T) {
	if _, err := Normalize("not a schedule"); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestNormalize_JSONPassthrough(t *testing.T) {
	raw := `{"kind":"interval","interval_ms":60000}`
	got, err := Normalize(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got != raw {
		t.Errorf("expected passthrough, got %s", got)
	}
}

func TestNormalize_RejectsBadJSON(t *testing.T) {
	cases := []string{
		`{"kind":"interval","interval_ms":0}`,
		`{"kind":"once","at_ms":-1}`,
		`{"kind":"sometimes"}`,
	}
	for _, raw := range cases {
		if _, err := Normalize(raw); err == nil {
			t.Errorf("expected error for %s", raw)
		}
	}
}

func TestNextRun_Interval(t *testing.T) {
	next := NextRun(`{"kind":"interval","interval_ms":60000}`)
	if next == nil {
		t.Fatal("expected next run")
	}
	if d := time.Until(*next); d < 50*time.Second || d > 70*time.Second {
		t.Errorf("unexpected next run distance: %v", d)
	}
}

func TestNextRun_OncePastReturnsNil(t *testing.T) {
	if next := NextRun(`{"kind":"once","at_ms":1000}`); next != nil {
		t.Errorf("expected nil for past once schedule, got %v", next)
	}
}

func TestNextRun_Cron(t *testing.T) {
	next := NextRun(`{"kind":"cron","cron_expr":"* * * * *"}`)
	if next == nil {
		t.Fatal("expected next run for every-minute cron")
	}
	if !next.After(time.Now().Add(-time.Second)) {
		t.Errorf("next run in the past: %v", next)
	}
}
