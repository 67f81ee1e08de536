package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"convene/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "convene.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAgentRoundtrip(t *testing.T) {
	s := newTestStore(t)

	a := &Agent{
		ID:           "researcher",
		Name:         "Researcher",
		Description:  "finds things out",
		Capabilities: json.RawMessage(`{"research":"web research"}`),
		Priority:     1,
	}
	if err := s.SaveAgent(a); err != nil {
		t.Fatal(err)
	}
	if a.Seq == 0 {
		t.Error("expected seq to be assigned on save")
	}

	got, err := s.GetAgent("researcher")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Name != "Researcher" || got.Priority != 1 {
		t.Errorf("unexpected agent: %+v", got)
	}
}

func TestAgentSeqOrder(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := s.SaveAgent(&Agent{ID: id, Name: id, Capabilities: json.RawMessage(`{}`)}); err != nil {
			t.Fatal(err)
		}
	}
	// Re-saving must not move an agent in the order.
	if err := s.SaveAgent(&Agent{ID: "a", Name: "a2", Capabilities: json.RawMessage(`{}`)}); err != nil {
		t.Fatal(err)
	}

	agents, err := s.ListAgents()
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 3 {
		t.Fatalf("expected 3 agents, got %d", len(agents))
	}
	if agents[0].ID != "a" || agents[1].ID != "b" || agents[2].ID != "c" {
		t.Errorf("unexpected order: %s %s %s", agents[0].ID, agents[1].ID, agents[2].ID)
	}
	if agents[0].Name != "a2" {
		t.Errorf("expected upsert to update name, got %s", agents[0].Name)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)

	sess := &Session{
		ID:           "s1",
		Task:         "write a parser",
		Strategy:     "parallel",
		State:        "created",
		Participants: json.RawMessage(`["coder"]`),
	}
	if err := s.SaveSession(sess); err != nil {
		t.Fatal(err)
	}

	sess.State = "completed"
	sess.Results = json.RawMessage(`{"coder":"done"}`)
	if err := s.SaveSession(sess); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSession("s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != "completed" {
		t.Errorf("expected completed, got %s", got.State)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be set for terminal state")
	}
}

func TestSessionMissing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetSession("nope")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil for missing session, got %+v", got)
	}
}

func TestMessageOrdering(t *testing.T) {
	s := newTestStore(t)

	sess := &Session{ID: "s1", Task: "t", Strategy: "parallel", State: "created", Participants: json.RawMessage(`[]`)}
	if err := s.SaveSession(sess); err != nil {
		t.Fatal(err)
	}

	for _, content := range []string{"first", "second", "third"} {
		if err := s.SaveMessage(&Message{SessionID: "s1", Sender: "coder", Content: content}); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.GetMessages("s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "first" || msgs[2].Content != "third" {
		t.Errorf("expected chronological order, got %s .. %s", msgs[0].Content, msgs[2].Content)
	}
	if !(msgs[0].Seq < msgs[1].Seq && msgs[1].Seq < msgs[2].Seq) {
		t.Error("expected strictly increasing seq")
	}
	if msgs[0].ID == "" {
		t.Error("expected message id to be assigned")
	}
}

func TestPurgeTerminalSessions(t *testing.T) {
	s := newTestStore(t)

	for _, tc := range []struct{ id, state string }{
		{"done", "completed"},
		{"dead", "failed"},
		{"live", "executing"},
	} {
		sess := &Session{ID: tc.id, Task: "t", Strategy: "parallel", State: tc.state, Participants: json.RawMessage(`[]`)}
		if err := s.SaveSession(sess); err != nil {
			t.Fatal(err)
		}
		if err := s.SaveMessage(&Message{SessionID: tc.id, Sender: "x", Content: "hi"}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.PurgeTerminalSessions(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 purged, got %d", n)
	}

	if got, _ := s.GetSession("live"); got == nil {
		t.Error("expected executing session to survive the purge")
	}
	msgs, _ := s.GetMessages("done", 0)
	if len(msgs) != 0 {
		t.Error("expected purged session messages to be gone")
	}
}

func TestDueTasks(t *testing.T) {
	s := newTestStore(t)

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	tasks := []*ScheduledTask{
		{ID: "t1", Name: "due", Schedule: "@hourly", Task: "sweep", Strategy: "parallel", Status: "active", NextRunAt: &past},
		{ID: "t2", Name: "later", Schedule: "@hourly", Task: "sweep", Strategy: "parallel", Status: "active", NextRunAt: &future},
		{ID: "t3", Name: "paused", Schedule: "@hourly", Task: "sweep", Strategy: "parallel", Status: "paused", NextRunAt: &past},
	}
	for _, task := range tasks {
		if err := s.SaveTask(task); err != nil {
			t.Fatal(err)
		}
	}

	due, err := s.GetDueTasks(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != "t1" {
		t.Errorf("expected only t1 due, got %+v", due)
	}
}

func TestSecretRoundtrip(t *testing.T) {
	s := newTestStore(t)

	sec := &Secret{ID: "sec1", Name: "api_key", Value: []byte("ciphertext"), Nonce: []byte("nonce")}
	if err := s.SaveSecret(sec); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSecret("api_key")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || string(got.Value) != "ciphertext" {
		t.Errorf("unexpected secret: %+v", got)
	}

	if err := s.DeleteSecret("api_key"); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetSecret("api_key")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("expected secret to be deleted")
	}
}
