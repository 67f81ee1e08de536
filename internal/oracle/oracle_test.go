package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"convene/internal/config"
	"convene/internal/natsbus"
)

func TestWithRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	inner := ScorerFunc(func(ctx context.Context, task, capability string) (float64, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 0.75, nil
	})

	score, err := WithRetry(inner, 3, time.Millisecond).Score(context.Background(), "t", "c")
	if err != nil {
		t.Fatal(err)
	}
	if score != 0.75 {
		t.Errorf("expected 0.75, got %v", score)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestWithRetry_Exhausted(t *testing.T) {
	inner := ScorerFunc(func(ctx context.Context, task, capability string) (float64, error) {
		return 0, errors.New("down")
	})

	_, err := WithRetry(inner, 2, time.Millisecond).Score(context.Background(), "t", "c")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestWithRetry_ContextCancelled(t *testing.T) {
	inner := ScorerFunc(func(ctx context.Context, task, capability string) (float64, error) {
		return 0, errors.New("down")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := WithRetry(inner, 5, time.Second).Score(ctx, "t", "c")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func newTestBus(t *testing.T) *natsbus.Client {
	t.Helper()
	bus, err := natsbus.New(config.NATSConfig{Port: 0, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(bus.Close)

	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestNATSOracle_Score(t *testing.T) {
	client := newTestBus(t)

	_, err := client.Subscribe(natsbus.TopicOracleScore, func(msg *nats.Msg) {
		var req scoreRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if req.Capability != "research" {
			t.Errorf("unexpected capability %q", req.Capability)
		}
		data, _ := json.Marshal(scoreReply{Score: 0.85})
		msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}
	client.Flush()

	o := NewNATSOracle(client, 2*time.Second)
	score, err := o.Score(context.Background(), "summarize the findings", "research")
	if err != nil {
		t.Fatal(err)
	}
	if score != 0.85 {
		t.Errorf("expected 0.85, got %v", score)
	}
}

func TestNATSOracle_ChooseRejectsUnknownPath(t *testing.T) {
	client := newTestBus(t)

	_, err := client.Subscribe(natsbus.TopicOracleChoose, func(msg *nats.Msg) {
		data, _ := json.Marshal(chooseReply{Path: "nonsense"})
		msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}
	client.Flush()

	o := NewNATSOracle(client, 2*time.Second)
	_, err = o.Choose(context.Background(), nil, []string{"deep_dive", "wrap_up"})
	if err == nil {
		t.Fatal("expected error for path outside the offered set")
	}
}

func TestNATSOracle_NoResponder(t *testing.T) {
	client := newTestBus(t)

	o := NewNATSOracle(client, 200*time.Millisecond)
	_, err := o.Score(context.Background(), "t", "c")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
