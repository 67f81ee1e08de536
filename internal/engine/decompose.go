package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"convene/internal/session"
)

// DecompositionDepthError reports a hierarchical session nested beyond the
// configured depth. The session does not fail: it falls back to flat
// execution with the error recorded as a system message.
type DecompositionDepthError struct {
	SessionID string
	Depth     int
	Max       int
}

func (e *DecompositionDepthError) Error() string {
	return fmt.Sprintf("session %s: decomposition depth %d exceeds maximum %d", e.SessionID, e.Depth, e.Max)
}

// executeHierarchical splits the task into subtasks and runs each as a child
// session. Children run one after another so a later subtask can build on an
// earlier one through the store.
func (e *Engine) executeHierarchical(ctx context.Context, act *active) error {
	sess := act.sess

	if sess.Depth() >= e.cfg.MaxDepth {
		depthErr := &DecompositionDepthError{SessionID: sess.ID(), Depth: sess.Depth(), Max: e.cfg.MaxDepth}
		e.log.Warn("decomposition depth exceeded, executing flat", "session", sess.ID(), "depth", sess.Depth())
		e.recordSystem(act, depthErr.Error())
		return e.executeLayers(ctx, act)
	}
	if e.planner == nil {
		return fmt.Errorf("hierarchical strategy requires a planner")
	}

	subtasks, err := e.planner.Split(ctx, sess.Task())
	if err != nil {
		return fmt.Errorf("split task: %w", err)
	}
	if len(subtasks) <= 1 {
		e.log.Info("task did not decompose, executing flat", "session", sess.ID())
		return e.executeLayers(ctx, act)
	}

	e.publishEvent(sess.ID(), "session_decomposed", map[string]any{
		"subtasks": len(subtasks),
	})
	e.log.Info("task decomposed", "session", sess.ID(), "subtasks", len(subtasks))

	for i, st := range subtasks {
		if sess.CancelRequested() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		child, err := e.CreateSession(ctx, CreateRequest{Task: st.Task})
		if err != nil {
			return fmt.Errorf("subtask %d: %w", i, err)
		}
		child.SetParent(sess.ID(), sess.Depth()+1)
		if err := e.persist(child, nil); err != nil {
			return err
		}

		runErr := func() error {
			if _, err := e.Schedule(ctx, child.ID()); err != nil {
				return err
			}
			return e.Execute(ctx, child.ID())
		}()

		key := fmt.Sprintf("subtask-%d", i+1)
		if runErr != nil {
			if st.Optional {
				e.log.Warn("optional subtask failed", "session", sess.ID(), "child", child.ID(), "error", runErr)
				sess.SetResult(key, fmt.Sprintf("subtask failed: %v", runErr))
				continue
			}
			return fmt.Errorf("subtask %d (%s): %w", i+1, child.ID(), runErr)
		}

		sess.SetResult(key, combineResults(child))
		e.recordSystem(act, fmt.Sprintf("subtask %d completed in session %s", i+1, child.ID()))
	}

	return nil
}

// combineResults folds a child session's per-agent outputs into one block
// for the parent's result table.
func combineResults(child *session.Session) string {
	results := child.Results()
	var sb strings.Builder
	for _, agentID := range sortedKeys(results) {
		fmt.Fprintf(&sb, "[%s]\n%s\n", agentID, results[agentID])
	}
	return strings.TrimRight(sb.String(), "\n")
}

// recordSystem logs an engine-originated note into the session. Best
// effort.
func (e *Engine) recordSystem(act *active, content string) {
	m := session.Message{ID: uuid.NewString(), Sender: "engine", Kind: "system", Content: content}
	e.mu.RLock()
	rt := act.router
	e.mu.RUnlock()
	if rt == nil {
		act.sess.Append(m)
		return
	}
	if err := rt.Broadcast(m); err != nil {
		e.log.Warn("record system message", "session", act.sess.ID(), "error", err)
		return
	}
	if err := e.saveMessage(act.sess.ID(), m); err != nil {
		e.log.Warn("save system message", "session", act.sess.ID(), "error", err)
	}
}
