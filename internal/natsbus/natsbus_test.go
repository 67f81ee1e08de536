package natsbus

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"convene/internal/config"
)

func TestBusStartStop(t *testing.T) {
	dir := t.TempDir()
	bus, err := New(config.NATSConfig{
		Port:    0, // Random port
		DataDir: dir,
	})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	defer bus.Close()

	url := bus.ClientURL()
	if url == "" {
		t.Fatal("expected non-empty client URL")
	}
}

func TestPubSub(t *testing.T) {
	dir := t.TempDir()
	bus, err := New(config.NATSConfig{
		Port:    0,
		DataDir: dir,
	})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	defer bus.Close()

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	received := make(chan string, 1)
	_, err = client.Subscribe("test.topic", func(msg *nats.Msg) {
		received <- string(msg.Data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	if err := client.Publish("test.topic", []byte("hello")); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	client.Flush()

	select {
	case data := <-received:
		if data != "hello" {
			t.Errorf("expected 'hello', got '%s'", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestRequestReply(t *testing.T) {
	dir := t.TempDir()
	bus, err := New(config.NATSConfig{
		Port:    0,
		DataDir: dir,
	})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	defer bus.Close()

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	_, err = client.Subscribe(TopicOracleScore, func(msg *nats.Msg) {
		msg.Respond([]byte(`{"score":0.9}`))
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}
	client.Flush()

	reply, err := client.Request(TopicOracleScore, []byte(`{}`), 2*time.Second)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if string(reply.Data) != `{"score":0.9}` {
		t.Errorf("unexpected reply: %s", reply.Data)
	}
}

func TestTopicNames(t *testing.T) {
	if got := TopicSessionPrompt("s1", "a1"); got != "session.s1.agent.a1.prompt" {
		t.Errorf("expected session.s1.agent.a1.prompt, got %s", got)
	}
	if got := TopicSessionResult("s1", "a1"); got != "session.s1.agent.a1.result" {
		t.Errorf("expected session.s1.agent.a1.result, got %s", got)
	}
	if got := TopicEventsSession("s1"); got != "events.session.s1" {
		t.Errorf("expected events.session.s1, got %s", got)
	}
}
