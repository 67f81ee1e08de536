package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"convene/internal/natsbus"
)

// NATSOracle reaches the model service over NATS request-reply. It implements
// Scorer, Decider and Planner against the oracle.* subjects.
type NATSOracle struct {
	client  *natsbus.Client
	timeout time.Duration
}

func NewNATSOracle(client *natsbus.Client, timeout time.Duration) *NATSOracle {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &NATSOracle{client: client, timeout: timeout}
}

type scoreRequest struct {
	Task       string `json:"task"`
	Capability string `json:"capability"`
}

type scoreReply struct {
	Score float64 `json:"score"`
	Error string  `json:"error,omitempty"`
}

func (o *NATSOracle) Score(ctx context.Context, task, capability string) (float64, error) {
	var reply scoreReply
	err := o.roundtrip(ctx, natsbus.TopicOracleScore, scoreRequest{Task: task, Capability: capability}, &reply)
	if err != nil {
		return 0, err
	}
	if reply.Error != "" {
		return 0, fmt.Errorf("score %s: %s", capability, reply.Error)
	}
	if reply.Score < 0 || reply.Score > 1 {
		return 0, fmt.Errorf("score %s: out of range: %v", capability, reply.Score)
	}
	return reply.Score, nil
}

type chooseRequest struct {
	Outputs map[string]string `json:"outputs"`
	Paths   []string          `json:"paths"`
}

type chooseReply struct {
	Path  string `json:"path"`
	Error string `json:"error,omitempty"`
}

func (o *NATSOracle) Choose(ctx context.Context, layerOutputs map[string]string, paths []string) (string, error) {
	var reply chooseReply
	err := o.roundtrip(ctx, natsbus.TopicOracleChoose, chooseRequest{Outputs: layerOutputs, Paths: paths}, &reply)
	if err != nil {
		return "", err
	}
	if reply.Error != "" {
		return "", fmt.Errorf("choose path: %s", reply.Error)
	}
	for _, p := range paths {
		if p == reply.Path {
			return reply.Path, nil
		}
	}
	return "", fmt.Errorf("choose path: %q is not an offered path", reply.Path)
}

type splitRequest struct {
	Task string `json:"task"`
}

type splitReply struct {
	Subtasks []Subtask `json:"subtasks"`
	Error    string    `json:"error,omitempty"`
}

func (o *NATSOracle) Split(ctx context.Context, task string) ([]Subtask, error) {
	var reply splitReply
	err := o.roundtrip(ctx, natsbus.TopicOracleSplit, splitRequest{Task: task}, &reply)
	if err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("split task: %s", reply.Error)
	}
	return reply.Subtasks, nil
}

func (o *NATSOracle) roundtrip(ctx context.Context, topic string, req, reply any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", topic, err)
	}

	timeout := o.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	msg, err := o.client.Request(topic, data, timeout)
	if err != nil {
		return fmt.Errorf("%s request: %w: %w", topic, ErrUnavailable, err)
	}
	if err := json.Unmarshal(msg.Data, reply); err != nil {
		return fmt.Errorf("decode %s reply: %w", topic, err)
	}
	return nil
}
