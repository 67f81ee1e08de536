package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"convene/internal/plan"
	"convene/internal/session"
)

// Execute runs a scheduled session to completion. Layers run in order; the
// agents inside a layer run concurrently, bounded by max_concurrency. The
// layer policy decides whether one failing agent sinks the session (all_of)
// or a single success is enough (any_of). Cancellation stops further
// dispatch but never interrupts an in-flight agent: the session settles
// cancelled only once launched agents have drained.
func (e *Engine) Execute(ctx context.Context, sessionID string) error {
	act, err := e.lookup(sessionID)
	if err != nil {
		return err
	}
	sess := act.sess

	e.mu.RLock()
	rt := act.router
	e.mu.RUnlock()
	if rt == nil || sess.Plan() == nil {
		return fmt.Errorf("session %s is not scheduled yet", sessionID)
	}

	if err := sess.Transition(session.StateExecuting); err != nil {
		return err
	}
	if err := e.persist(sess, act.paths); err != nil {
		return err
	}
	e.publishEvent(sessionID, "session_executing", nil)
	e.recordSystem(act, fmt.Sprintf("session started: strategy %s, %d participants", sess.Strategy(), len(sess.Participants())))

	var runErr error
	if sess.Strategy() == plan.StrategyHierarchical {
		runErr = e.executeHierarchical(ctx, act)
	} else {
		runErr = e.executeLayers(ctx, act)
	}

	if sess.CancelRequested() {
		if err := sess.Transition(session.StateCancelled); err != nil {
			return err
		}
		if err := e.persist(sess, act.paths); err != nil {
			return err
		}
		e.publishEvent(sessionID, "session_cancelled", nil)
		e.log.Info("session cancelled after drain", "session", sessionID)
		return nil
	}
	if runErr != nil {
		e.failSession(sess, runErr)
		return runErr
	}

	if err := sess.Transition(session.StateCompleted); err != nil {
		return err
	}
	e.recordSystem(act, fmt.Sprintf("session completed: %d results", len(sess.Results())))
	if err := e.persist(sess, act.paths); err != nil {
		return err
	}
	e.publishEvent(sessionID, "session_completed", map[string]any{
		"results": len(sess.Results()),
	})
	e.log.Info("session completed", "session", sessionID)
	return nil
}

func (e *Engine) executeLayers(ctx context.Context, act *active) error {
	sess := act.sess
	p := sess.Plan()
	sem := make(chan struct{}, e.cfg.MaxConcurrency)

	for i, layer := range p.Layers {
		if sess.CancelRequested() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		e.log.Info("executing layer", "session", sess.ID(), "layer", i, "agents", layer.Agents)

		if err := e.runLayer(ctx, act, layer, sem); err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
		e.publishEvent(sess.ID(), "layer_completed", map[string]any{
			"layer": i,
			"total": len(p.Layers),
		})
	}

	if sess.CancelRequested() {
		return nil
	}

	if len(p.Paths) > 0 {
		chosen, err := e.choosePath(ctx, sess, p)
		if err != nil {
			return err
		}
		e.publishEvent(sess.ID(), "path_chosen", map[string]any{"path": chosen.Name})
		e.log.Info("continuation path chosen", "session", sess.ID(), "path", chosen.Name)
		if err := e.runLayer(ctx, act, plan.Layer{Agents: chosen.Agents}, sem); err != nil {
			return fmt.Errorf("path %s: %w", chosen.Name, err)
		}
	}

	return e.runFeedback(ctx, act, sem)
}

// runLayer dispatches one layer's agents and applies the layer policy to
// their outcomes. Dispatch stops on cancellation or context error, but
// agents already launched always run to completion before the layer
// settles.
func (e *Engine) runLayer(ctx context.Context, act *active, layer plan.Layer, sem chan struct{}) error {
	sess := act.sess

	var wg sync.WaitGroup
	var mu sync.Mutex
	failures := make(map[string]error)

	var dispatchErr error
	for _, agentID := range layer.Agents {
		if sess.CancelRequested() {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			dispatchErr = ctx.Err()
		}
		if dispatchErr != nil {
			break
		}

		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := e.runAgent(ctx, act, agentID, ""); err != nil {
				mu.Lock()
				failures[agentID] = err
				mu.Unlock()
			}
		}(agentID)
	}
	wg.Wait()

	if dispatchErr != nil {
		return dispatchErr
	}
	if sess.CancelRequested() {
		return nil
	}

	switch {
	case len(failures) == 0:
		return nil
	case e.cfg.LayerPolicy == "any_of" && len(failures) < len(layer.Agents):
		for id, err := range failures {
			e.log.Warn("agent failed, layer continues", "session", sess.ID(), "agent", id, "error", err)
		}
		return nil
	default:
		ids := make([]string, 0, len(failures))
		for id := range failures {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return fmt.Errorf("agent %s: %w", ids[0], failures[ids[0]])
	}
}

// runAgent executes one agent with a bounded timeout and records its output
// as both a session result and a broadcast message. The agent record comes
// from the team captured at schedule time, not the live registry.
func (e *Engine) runAgent(ctx context.Context, act *active, agentID, extra string) error {
	sess := act.sess

	e.mu.RLock()
	agent, ok := act.team[agentID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("agent %q is not part of the session team", agentID)
	}

	prompt := buildPrompt(sess, agentID, extra)

	agentCtx := ctx
	if e.cfg.AgentTimeout > 0 {
		var cancel context.CancelFunc
		agentCtx, cancel = context.WithTimeout(ctx, e.cfg.AgentTimeout)
		defer cancel()
	}

	e.publishEvent(sess.ID(), "agent_started", map[string]any{"agent": agentID})
	started := time.Now()

	output, err := e.executor.Execute(agentCtx, Request{
		SessionID: sess.ID(),
		Agent:     agent,
		Prompt:    prompt,
	})
	if err != nil {
		e.publishEvent(sess.ID(), "agent_failed", map[string]any{
			"agent": agentID,
			"error": err.Error(),
		})
		return fmt.Errorf("execute: %w", err)
	}

	sess.SetResult(agentID, output)
	e.publishEvent(sess.ID(), "agent_completed", map[string]any{
		"agent":    agentID,
		"duration": time.Since(started).String(),
	})

	m := session.Message{ID: uuid.NewString(), Sender: agentID, Kind: "result", Content: output}
	e.mu.RLock()
	rt := act.router
	e.mu.RUnlock()
	if err := rt.Broadcast(m); err != nil {
		return fmt.Errorf("broadcast result: %w", err)
	}
	return e.saveMessage(sess.ID(), m)
}

// choosePath asks the decider which continuation to run, within the decision
// timeout. Without a decider, or when the decider fails, the first declared
// path is the default.
func (e *Engine) choosePath(ctx context.Context, sess *session.Session, p *plan.Plan) (plan.Path, error) {
	if e.decider == nil {
		return p.Paths[0], nil
	}

	names := make([]string, len(p.Paths))
	for i, path := range p.Paths {
		names[i] = path.Name
	}

	decideCtx := ctx
	if e.cfg.DecisionTimeout > 0 {
		var cancel context.CancelFunc
		decideCtx, cancel = context.WithTimeout(ctx, e.cfg.DecisionTimeout)
		defer cancel()
	}

	name, err := e.decider.Choose(decideCtx, sess.Results(), names)
	if err != nil {
		if ctx.Err() != nil {
			return plan.Path{}, ctx.Err()
		}
		e.log.Warn("path decision failed, using default", "session", sess.ID(), "error", err)
		return p.Paths[0], nil
	}
	for _, path := range p.Paths {
		if path.Name == name {
			return path, nil
		}
	}
	e.log.Warn("decider chose unknown path, using default", "session", sess.ID(), "path", name)
	return p.Paths[0], nil
}

// buildPrompt assembles an agent's prompt: the session task, the outputs of
// its plan predecessors, and any extra instructions (feedback rounds use
// this for the review notes).
func buildPrompt(sess *session.Session, agentID, extra string) string {
	var sb strings.Builder

	sb.WriteString("## Task\n\n")
	sb.WriteString(sess.Task())
	sb.WriteString("\n\n")

	p := sess.Plan()
	results := sess.Results()
	if p != nil {
		if preds := p.Inputs[agentID]; len(preds) > 0 {
			sb.WriteString("## Context from Previous Agents\n\n")
			for _, pred := range preds {
				if out, ok := results[pred]; ok && out != "" {
					fmt.Fprintf(&sb, "### Output from %s\n\n%s\n\n", pred, out)
				}
			}
		}
	}

	if extra != "" {
		sb.WriteString(extra)
		sb.WriteString("\n")
	}

	return sb.String()
}
