package session

import (
	"errors"
	"testing"

	"convene/internal/plan"
)

func TestLifecycle(t *testing.T) {
	s := New("build a parser", plan.StrategyParallel, []string{"coder"})

	if s.State() != StateCreated {
		t.Fatalf("expected created, got %s", s.State())
	}
	for _, to := range []State{StatePlanning, StateExecuting, StateCompleted} {
		if err := s.Transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if !s.State().Terminal() {
		t.Error("expected completed to be terminal")
	}
}

func TestTransition_SkippingPhaseFails(t *testing.T) {
	s := New("t", plan.StrategyParallel, nil)

	err := s.Transition(StateExecuting)
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.From != StateCreated || invalid.To != StateExecuting {
		t.Errorf("unexpected error detail: %+v", invalid)
	}
}

func TestTransition_TerminalIsFrozen(t *testing.T) {
	s := New("t", plan.StrategyParallel, nil)
	mustTransition(t, s, StatePlanning, StateExecuting, StateCompleted)

	err := s.Transition(StateCancelled)
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError cancelling completed session, got %v", err)
	}
	if s.State() != StateCompleted {
		t.Errorf("expected state to stay completed, got %s", s.State())
	}
}

func TestCancelClosesChannel(t *testing.T) {
	s := New("t", plan.StrategyParallel, nil)
	mustTransition(t, s, StatePlanning, StateExecuting)

	select {
	case <-s.Cancelled():
		t.Fatal("cancelled channel closed too early")
	default:
	}

	if err := s.Transition(StateCancelled); err != nil {
		t.Fatal(err)
	}
	select {
	case <-s.Cancelled():
	default:
		t.Fatal("expected cancelled channel to be closed")
	}
}

func TestRequestCancel_FlagsWithoutSettling(t *testing.T) {
	s := New("t", plan.StrategyParallel, nil)
	mustTransition(t, s, StatePlanning, StateExecuting)

	if s.CancelRequested() {
		t.Fatal("cancel flagged before request")
	}
	s.RequestCancel()
	if !s.CancelRequested() {
		t.Fatal("expected cancel to be flagged")
	}
	if s.State() != StateExecuting {
		t.Errorf("request must not settle the state, got %s", s.State())
	}

	// The flagged session still settles normally.
	if err := s.Transition(StateCancelled); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateCancelled {
		t.Errorf("expected cancelled, got %s", s.State())
	}
}

func TestAppend_AssignsIncreasingSeq(t *testing.T) {
	s := New("t", plan.StrategyParallel, nil)

	m1, ok := s.Append(Message{Sender: "a", Content: "one"})
	if !ok {
		t.Fatal("append rejected")
	}
	m2, _ := s.Append(Message{Sender: "b", Content: "two"})
	if m1.Seq != 1 || m2.Seq != 2 {
		t.Errorf("unexpected seqs: %d %d", m1.Seq, m2.Seq)
	}
	if m1.ID == "" {
		t.Error("expected id to be assigned")
	}
}

func TestAppend_DropsDuplicateIDs(t *testing.T) {
	s := New("t", plan.StrategyParallel, nil)

	if _, ok := s.Append(Message{ID: "m1", Sender: "a", Content: "hello"}); !ok {
		t.Fatal("first append rejected")
	}
	if _, ok := s.Append(Message{ID: "m1", Sender: "a", Content: "hello again"}); ok {
		t.Fatal("expected duplicate id to be dropped")
	}
	if len(s.Messages()) != 1 {
		t.Errorf("expected 1 message, got %d", len(s.Messages()))
	}
}

func TestFailKeepsError(t *testing.T) {
	s := New("t", plan.StrategyParallel, nil)

	cause := errors.New("agent exploded")
	if err := s.Fail(cause); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateFailed {
		t.Errorf("expected failed, got %s", s.State())
	}
	if !errors.Is(s.Err(), cause) {
		t.Errorf("expected cause to be retained, got %v", s.Err())
	}
	if s.Snapshot().Error == "" {
		t.Error("expected snapshot to carry the error text")
	}
}

func TestFailFromTerminalFails(t *testing.T) {
	s := New("t", plan.StrategyParallel, nil)
	mustTransition(t, s, StatePlanning, StateExecuting, StateCompleted)

	var invalid *InvalidTransitionError
	if err := s.Fail(errors.New("late")); !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := New("t", plan.StrategyParallel, []string{"a"})
	s.SetResult("a", "out")

	snap := s.Snapshot()
	snap.Results["a"] = "mutated"
	snap.Participants[0] = "mutated"

	if s.Results()["a"] != "out" {
		t.Error("expected results to be unaffected by snapshot mutation")
	}
	if s.Participants()[0] != "a" {
		t.Error("expected participants to be unaffected by snapshot mutation")
	}
}

func mustTransition(t *testing.T, s *Session, states ...State) {
	t.Helper()
	for _, st := range states {
		if err := s.Transition(st); err != nil {
			t.Fatalf("transition to %s: %v", st, err)
		}
	}
}
