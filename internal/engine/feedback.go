package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"convene/internal/session"
)

// ErrFeedbackExhausted marks a session whose reviewer never accepted the
// output within the iteration budget. It is recorded, not fatal: the session
// still completes with the last produced results.
var ErrFeedbackExhausted = errors.New("feedback iterations exhausted")

// runFeedback runs bounded review cycles over the session output. Each
// iteration the reviewer agent rates the current results; below the
// threshold the final layer reworks with the review attached, until the
// budget runs out.
func (e *Engine) runFeedback(ctx context.Context, act *active, sem chan struct{}) error {
	cfg := e.cfg.Feedback
	if cfg.Reviewer == "" || cfg.MaxIterations <= 0 {
		return nil
	}
	sess := act.sess
	if _, ok := e.registry.Get(cfg.Reviewer); !ok {
		return fmt.Errorf("feedback reviewer %q is not a registered agent", cfg.Reviewer)
	}

	for i := 1; i <= cfg.MaxIterations; i++ {
		if sess.CancelRequested() {
			return nil
		}
		review, score, err := e.review(ctx, act, i)
		if err != nil {
			return fmt.Errorf("feedback iteration %d: %w", i, err)
		}

		e.publishEvent(sess.ID(), "feedback_reviewed", map[string]any{
			"iteration": i,
			"score":     score,
		})

		if score >= cfg.Threshold {
			e.log.Info("feedback accepted", "session", sess.ID(), "iteration", i, "score", score)
			return nil
		}

		if i == cfg.MaxIterations {
			break
		}
		if err := e.rework(ctx, act, review, sem); err != nil {
			return fmt.Errorf("feedback rework %d: %w", i, err)
		}
	}

	// Budget spent without acceptance. Record it and let the session
	// complete with what it has.
	m := session.Message{
		ID:      uuid.NewString(),
		Sender:  "engine",
		Kind:    "system",
		Content: ErrFeedbackExhausted.Error(),
	}
	e.mu.RLock()
	rt := act.router
	e.mu.RUnlock()
	if err := rt.Broadcast(m); err != nil {
		e.log.Warn("broadcast feedback exhaustion", "session", sess.ID(), "error", err)
	} else if err := e.saveMessage(sess.ID(), m); err != nil {
		e.log.Warn("save feedback exhaustion", "session", sess.ID(), "error", err)
	}
	e.publishEvent(sess.ID(), "feedback_exhausted", map[string]any{
		"iterations": cfg.MaxIterations,
	})
	e.log.Warn("feedback exhausted", "session", sess.ID(), "iterations", cfg.MaxIterations)
	return nil
}

// review runs the reviewer agent over the current results and extracts its
// score.
func (e *Engine) review(ctx context.Context, act *active, iteration int) (string, float64, error) {
	sess := act.sess
	reviewer, _ := e.registry.Get(e.cfg.Feedback.Reviewer)

	reviewCtx := ctx
	if e.cfg.Feedback.Timeout > 0 {
		var cancel context.CancelFunc
		reviewCtx, cancel = context.WithTimeout(ctx, e.cfg.Feedback.Timeout)
		defer cancel()
	}

	output, err := e.executor.Execute(reviewCtx, Request{
		SessionID: sess.ID(),
		Agent:     reviewer,
		Prompt:    buildReviewPrompt(sess, iteration),
	})
	if err != nil {
		return "", 0, err
	}

	m := session.Message{ID: uuid.NewString(), Sender: reviewer.ID, Kind: "review", Content: output}
	e.mu.RLock()
	rt := act.router
	e.mu.RUnlock()
	if err := rt.Broadcast(m); err != nil {
		return "", 0, err
	}
	if err := e.saveMessage(sess.ID(), m); err != nil {
		return "", 0, err
	}

	return output, parseScore(output), nil
}

// rework re-runs the plan's final layer with the review attached to each
// prompt.
func (e *Engine) rework(ctx context.Context, act *active, review string, sem chan struct{}) error {
	p := act.sess.Plan()
	if p == nil || len(p.Layers) == 0 {
		return nil
	}
	final := p.Layers[len(p.Layers)-1]

	extra := "## Review Feedback\n\nAddress the following review before finishing:\n\n" + review

	var firstErr error
	for _, agentID := range final.Agents {
		if act.sess.CancelRequested() {
			return nil
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		err := e.runAgent(ctx, act, agentID, extra)
		<-sem
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("agent %s: %w", agentID, err)
		}
	}
	return firstErr
}

func buildReviewPrompt(sess *session.Session, iteration int) string {
	var sb strings.Builder

	sb.WriteString("## Task\n\n")
	sb.WriteString(sess.Task())
	sb.WriteString("\n\n## Results to Review\n\n")
	results := sess.Results()
	for _, agentID := range sortedKeys(results) {
		fmt.Fprintf(&sb, "### %s\n\n%s\n\n", agentID, results[agentID])
	}
	fmt.Fprintf(&sb, "Review iteration %d. Rate the results against the task on a 0.0-1.0 scale.\n", iteration)
	sb.WriteString("End your review with a line of the form `SCORE: <value>`.\n")
	return sb.String()
}

// parseScore finds the reviewer's `SCORE: x` line. A missing or malformed
// score counts as zero so a sloppy review triggers another iteration rather
// than a silent accept.
func parseScore(review string) float64 {
	for _, line := range strings.Split(review, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := cutPrefixFold(line, "score:")
		if !ok {
			continue
		}
		score, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
		if err != nil || score < 0 || score > 1 {
			continue
		}
		return score
	}
	return 0
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
