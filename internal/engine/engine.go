// Package engine orchestrates collaboration sessions end to end: task
// analysis, team selection, plan building, layered execution, feedback and
// decomposition. It owns the in-memory session table and keeps the store in
// sync so sessions survive a restart as historical records.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"convene/internal/analyze"
	"convene/internal/config"
	"convene/internal/natsbus"
	"convene/internal/oracle"
	"convene/internal/plan"
	"convene/internal/registry"
	"convene/internal/router"
	"convene/internal/selector"
	"convene/internal/session"
	"convene/internal/store"
)

// ErrSessionNotFound is returned for operations on unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// Request is one unit of agent work handed to the executor.
type Request struct {
	SessionID string
	Agent     registry.Agent
	Prompt    string
}

// Executor runs a single agent and returns its output. Implementations range
// from in-process functions in tests to container-backed agents.
type Executor interface {
	Execute(ctx context.Context, req Request) (string, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req Request) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

type Options struct {
	Engine   config.EngineConfig
	Router   config.RouterConfig
	Analyzer *analyze.Analyzer
	Selector *selector.Selector
	Registry *registry.Registry
	Store    *store.Store
	Events   *natsbus.Client // may be nil
	Decider  oracle.Decider  // may be nil; dynamic plans fall back to the first path
	Planner  oracle.Planner  // may be nil; hierarchical sessions then fail to schedule
	Executor Executor
	Logger   *slog.Logger
}

type Engine struct {
	cfg       config.EngineConfig
	routerCfg config.RouterConfig
	analyzer  *analyze.Analyzer
	selector  *selector.Selector
	registry  *registry.Registry
	store     *store.Store
	events    *natsbus.Client
	decider   oracle.Decider
	planner   oracle.Planner
	executor  Executor
	log       *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*active
}

// active pairs a live session with its message router and the team records
// captured at schedule time. Both exist once the session is scheduled;
// execution works from the captured team so a concurrent register cannot
// change an in-progress session's agents.
type active struct {
	sess   *session.Session
	router *router.Router
	team   map[string]registry.Agent
	paths  []plan.Path
}

func New(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:       opts.Engine,
		routerCfg: opts.Router,
		analyzer:  opts.Analyzer,
		selector:  opts.Selector,
		registry:  opts.Registry,
		store:     opts.Store,
		events:    opts.Events,
		decider:   opts.Decider,
		planner:   opts.Planner,
		executor:  opts.Executor,
		log:       log,
	}
}

// CreateRequest describes a new collaboration.
type CreateRequest struct {
	Task         string      `json:"task"`
	Strategy     string      `json:"strategy,omitempty"`
	Participants []string    `json:"participants,omitempty"` // empty selects automatically
	Paths        []plan.Path `json:"paths,omitempty"`        // dynamic strategy continuations
}

// CreateSession registers a new session in the created state. Explicit
// participants are validated against the registry immediately; automatic
// selection happens at schedule time.
func (e *Engine) CreateSession(ctx context.Context, req CreateRequest) (*session.Session, error) {
	if req.Task == "" {
		return nil, fmt.Errorf("task is required")
	}
	strategy, err := plan.ParseStrategy(req.Strategy)
	if err != nil {
		return nil, err
	}
	for _, id := range req.Participants {
		if _, ok := e.registry.Get(id); !ok {
			return nil, fmt.Errorf("participant %q is not a registered agent", id)
		}
	}

	sess := session.New(req.Task, strategy, req.Participants)

	e.mu.Lock()
	if e.sessions == nil {
		e.sessions = make(map[string]*active)
	}
	e.sessions[sess.ID()] = &active{sess: sess, paths: req.Paths}
	e.mu.Unlock()

	if err := e.persist(sess, req.Paths); err != nil {
		return nil, err
	}

	e.publishEvent(sess.ID(), "session_created", map[string]any{
		"task":     req.Task,
		"strategy": string(strategy),
	})
	e.log.Info("session created", "session", sess.ID(), "strategy", strategy)
	return sess, nil
}

// Schedule analyzes the task, selects the team when none was given, and
// builds the execution plan. A failure here moves the session to failed.
func (e *Engine) Schedule(ctx context.Context, sessionID string) (*plan.Plan, error) {
	act, err := e.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	sess := act.sess

	if err := sess.Transition(session.StatePlanning); err != nil {
		return nil, err
	}

	p, team, err := e.buildPlan(ctx, sess, act.paths)
	if err != nil {
		e.failSession(sess, err)
		return nil, err
	}

	ids := make([]string, len(team))
	byID := make(map[string]registry.Agent, len(team))
	for i, a := range team {
		ids[i] = a.ID
		byID[a.ID] = a
	}
	sess.SetPlan(p, ids)

	e.mu.Lock()
	act.router = router.New(sess, e.routerCfg, e.events, e.log)
	act.team = byID
	e.mu.Unlock()

	if err := e.persist(sess, act.paths); err != nil {
		return nil, err
	}
	e.publishEvent(sess.ID(), "session_planned", map[string]any{
		"participants": ids,
		"layers":       len(p.Layers),
	})
	e.log.Info("session planned", "session", sess.ID(), "participants", ids, "layers", len(p.Layers))
	return p, nil
}

func (e *Engine) buildPlan(ctx context.Context, sess *session.Session, paths []plan.Path) (*plan.Plan, []registry.Agent, error) {
	participants := sess.Participants()

	var team []registry.Agent
	if len(participants) == 0 {
		analysis, err := e.analyzer.Analyze(ctx, sess.Task())
		if err != nil {
			return nil, nil, fmt.Errorf("analyze task: %w", err)
		}
		selected, err := e.selector.Select(e.registry.Snapshot(), analysis.Matches)
		if err != nil {
			return nil, nil, err
		}
		for _, sel := range selected {
			team = append(team, sel.Agent)
		}
	} else {
		for _, id := range participants {
			a, ok := e.registry.Get(id)
			if !ok {
				return nil, nil, fmt.Errorf("participant %q is not a registered agent", id)
			}
			team = append(team, a)
		}
	}

	p, err := plan.Build(team, sess.Strategy(), paths)
	if err != nil {
		return nil, nil, err
	}
	return p, team, nil
}

// Run is the full pipeline: create, schedule, execute.
func (e *Engine) Run(ctx context.Context, req CreateRequest) (*session.Session, error) {
	sess, err := e.CreateSession(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, err := e.Schedule(ctx, sess.ID()); err != nil {
		return sess, err
	}
	return sess, e.Execute(ctx, sess.ID())
}

// GetStatus reports a session, falling back to the store for sessions that
// only exist as history.
func (e *Engine) GetStatus(sessionID string) (session.Status, error) {
	e.mu.RLock()
	act, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if ok {
		return act.sess.Snapshot(), nil
	}

	rec, err := e.store.GetSession(sessionID)
	if err != nil {
		return session.Status{}, err
	}
	if rec == nil {
		return session.Status{}, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	return statusFromRecord(rec), nil
}

func statusFromRecord(rec *store.Session) session.Status {
	st := session.Status{
		ID:        rec.ID,
		Task:      rec.Task,
		Strategy:  plan.Strategy(rec.Strategy),
		State:     session.State(rec.State),
		Error:     rec.Error,
		ParentID:  rec.ParentID,
		Depth:     rec.Depth,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	_ = json.Unmarshal(rec.Participants, &st.Participants)
	if len(rec.Results) > 0 {
		_ = json.Unmarshal(rec.Results, &st.Results)
	}
	return st
}

// ListSessions returns the stored session history, newest first.
func (e *Engine) ListSessions() ([]session.Status, error) {
	recs, err := e.store.ListSessions()
	if err != nil {
		return nil, err
	}
	out := make([]session.Status, len(recs))
	for i := range recs {
		out[i] = statusFromRecord(&recs[i])
	}
	return out, nil
}

// GetMessages returns the persisted message log for a session.
func (e *Engine) GetMessages(sessionID string, limit int) ([]store.Message, error) {
	if _, err := e.GetStatus(sessionID); err != nil {
		return nil, err
	}
	return e.store.GetMessages(sessionID, limit)
}

// PostMessage routes a message into a scheduled session and persists it.
func (e *Engine) PostMessage(sessionID string, m session.Message) error {
	act, err := e.lookup(sessionID)
	if err != nil {
		return err
	}
	e.mu.RLock()
	rt := act.router
	e.mu.RUnlock()
	if rt == nil {
		return fmt.Errorf("session %s is not scheduled yet", sessionID)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if err := rt.Route(m); err != nil {
		return err
	}
	return e.saveMessage(sessionID, m)
}

// Cancel requests cancellation. A session that is not yet executing settles
// cancelled immediately. An executing session stops dispatching new work but
// lets its in-flight agents finish; Execute settles the terminal state once
// the drain completes. Cancelling a terminal session fails with
// InvalidTransitionError.
func (e *Engine) Cancel(sessionID string) error {
	act, err := e.lookup(sessionID)
	if err != nil {
		return err
	}
	sess := act.sess

	if sess.State() == session.StateExecuting {
		sess.RequestCancel()
		e.publishEvent(sessionID, "session_cancelling", nil)
		e.log.Info("session cancel requested, draining in-flight agents", "session", sessionID)
		return nil
	}

	if err := sess.Transition(session.StateCancelled); err != nil {
		return err
	}
	if err := e.persist(sess, act.paths); err != nil {
		return err
	}
	e.publishEvent(sessionID, "session_cancelled", nil)
	e.log.Info("session cancelled", "session", sessionID)
	return nil
}

// Purge drops terminal sessions older than maxAge from memory and the store.
func (e *Engine) Purge(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)

	e.mu.Lock()
	for id, act := range e.sessions {
		if act.sess.State().Terminal() && act.sess.UpdatedAt().Before(cutoff) {
			if act.router != nil {
				act.router.Close()
			}
			delete(e.sessions, id)
		}
	}
	e.mu.Unlock()

	return e.store.PurgeTerminalSessions(cutoff)
}

func (e *Engine) lookup(sessionID string) (*active, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	act, ok := e.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	return act, nil
}

func (e *Engine) failSession(sess *session.Session, cause error) {
	if err := sess.Fail(cause); err != nil {
		e.log.Warn("could not fail session", "session", sess.ID(), "error", err)
		return
	}
	if err := e.persist(sess, nil); err != nil {
		e.log.Warn("persist failed session", "session", sess.ID(), "error", err)
	}
	e.publishEvent(sess.ID(), "session_failed", map[string]any{"error": cause.Error()})
	e.log.Warn("session failed", "session", sess.ID(), "error", cause)
}

func (e *Engine) persist(sess *session.Session, paths []plan.Path) error {
	snap := sess.Snapshot()

	participants, _ := json.Marshal(snap.Participants)
	var planJSON json.RawMessage
	if p := sess.Plan(); p != nil {
		planJSON, _ = json.Marshal(p)
	}
	var results json.RawMessage
	if len(snap.Results) > 0 {
		results, _ = json.Marshal(snap.Results)
	}

	rec := &store.Session{
		ID:           snap.ID,
		Task:         snap.Task,
		Strategy:     string(snap.Strategy),
		State:        string(snap.State),
		Participants: participants,
		Plan:         planJSON,
		Results:      results,
		Error:        snap.Error,
		ParentID:     snap.ParentID,
		Depth:        snap.Depth,
	}
	if err := e.store.SaveSession(rec); err != nil {
		return fmt.Errorf("persist session %s: %w", snap.ID, err)
	}
	return nil
}

func (e *Engine) saveMessage(sessionID string, m session.Message) error {
	rec := &store.Message{
		ID:        m.ID,
		SessionID: sessionID,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Kind:      m.Kind,
		Content:   m.Content,
	}
	if err := e.store.SaveMessage(rec); err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// publishEvent mirrors a lifecycle event onto the bus for observers. Best
// effort; a nil client disables events entirely.
func (e *Engine) publishEvent(sessionID, eventType string, data map[string]any) {
	if e.events == nil {
		return
	}
	event := map[string]any{
		"type":       eventType,
		"session_id": sessionID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"data":       data,
	}
	if err := e.events.PublishJSON(natsbus.TopicEventsSession(sessionID), event); err != nil {
		e.log.Debug("publish event failed", "type", eventType, "error", err)
	}
}
