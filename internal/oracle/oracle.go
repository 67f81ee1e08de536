// Package oracle abstracts the external language-model-backed scoring and
// decision services. The engine only ever sees these interfaces; the service
// behind them is reached over NATS request-reply.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable is returned once retries against the scoring service are
// exhausted.
var ErrUnavailable = errors.New("oracle unavailable")

// Scorer rates how relevant a capability is to a task, in [0,1].
type Scorer interface {
	Score(ctx context.Context, task, capability string) (float64, error)
}

// Decider picks a continuation path for a dynamic execution plan.
type Decider interface {
	Choose(ctx context.Context, layerOutputs map[string]string, paths []string) (string, error)
}

// Subtask is one piece of a decomposed task.
type Subtask struct {
	Task     string `json:"task"`
	Optional bool   `json:"optional,omitempty"`
}

// Planner splits a task into subtasks for hierarchical execution.
type Planner interface {
	Split(ctx context.Context, task string) ([]Subtask, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, task, capability string) (float64, error)

func (f ScorerFunc) Score(ctx context.Context, task, capability string) (float64, error) {
	return f(ctx, task, capability)
}

// RetryScorer wraps a Scorer with bounded retries and a fixed backoff between
// attempts. Exhaustion surfaces ErrUnavailable with the last cause attached.
type RetryScorer struct {
	next    Scorer
	retries int
	backoff time.Duration
}

func WithRetry(next Scorer, retries int, backoff time.Duration) *RetryScorer {
	if retries < 0 {
		retries = 0
	}
	return &RetryScorer{next: next, retries: retries, backoff: backoff}
}

func (r *RetryScorer) Score(ctx context.Context, task, capability string) (float64, error) {
	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(r.backoff):
			}
		}

		score, err := r.next.Score(ctx, task, capability)
		if err == nil {
			return score, nil
		}
		lastErr = err
	}
	return 0, fmt.Errorf("score after %d attempts: %w: %w", r.retries+1, ErrUnavailable, lastErr)
}
