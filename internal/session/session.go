// Package session holds the lifecycle state of one collaboration. A session
// moves created -> planning -> executing and ends in exactly one terminal
// state; transitions are monotonic and terminal states are frozen.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"convene/internal/plan"
)

type State string

const (
	StateCreated   State = "created"
	StatePlanning  State = "planning"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether a state permits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// transitions is the full set of allowed state changes.
var transitions = map[State][]State{
	StateCreated:   {StatePlanning, StateFailed, StateCancelled},
	StatePlanning:  {StateExecuting, StateFailed, StateCancelled},
	StateExecuting: {StateCompleted, StateFailed, StateCancelled},
}

// InvalidTransitionError reports a disallowed state change.
type InvalidTransitionError struct {
	SessionID string
	From, To  State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("session %s: invalid transition %s -> %s", e.SessionID, e.From, e.To)
}

// Message is one entry of the session's ordered message log.
type Message struct {
	Seq       int64     `json:"seq"`
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient,omitempty"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is the in-memory state of one collaboration.
type Session struct {
	mu sync.RWMutex

	id           string
	task         string
	strategy     plan.Strategy
	state        State
	participants []string
	plan         *plan.Plan
	parentID     string
	depth        int

	messages []Message
	seen     map[string]bool // message ids already logged
	nextSeq  int64

	results map[string]string
	err     error

	createdAt time.Time
	updatedAt time.Time

	cancelOnce sync.Once
	cancelled  chan struct{}
}

func New(task string, strategy plan.Strategy, participants []string) *Session {
	now := time.Now()
	return &Session{
		id:           uuid.NewString(),
		task:         task,
		strategy:     strategy,
		state:        StateCreated,
		participants: append([]string(nil), participants...),
		seen:         make(map[string]bool),
		nextSeq:      1,
		results:      make(map[string]string),
		createdAt:    now,
		updatedAt:    now,
		cancelled:    make(chan struct{}),
	}
}

// Restore rebuilds a session with a known id, for loading from the store.
func Restore(id, task string, strategy plan.Strategy, state State, participants []string) *Session {
	s := New(task, strategy, participants)
	s.id = id
	s.state = state
	if state == StateCancelled {
		s.cancelOnce.Do(func() { close(s.cancelled) })
	}
	return s
}

func (s *Session) ID() string              { return s.id }
func (s *Session) Task() string            { return s.task }
func (s *Session) Strategy() plan.Strategy { return s.strategy }
func (s *Session) ParentID() string        { return s.parentID }
func (s *Session) Depth() int              { return s.depth }

// SetParent links a child session created by task decomposition.
func (s *Session) SetParent(parentID string, depth int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parentID = parentID
	s.depth = depth
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Participants() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.participants...)
}

// SetPlan records the execution plan and, for selections made after
// creation, the final participant list.
func (s *Session) SetPlan(p *plan.Plan, participants []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plan = p
	if participants != nil {
		s.participants = append([]string(nil), participants...)
	}
	s.updatedAt = time.Now()
}

func (s *Session) Plan() *plan.Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.plan
}

// Transition moves the session to a new state. Transitions out of a terminal
// state or skipping a phase fail with InvalidTransitionError.
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, allowed := range transitions[s.state] {
		if to == allowed {
			s.state = to
			s.updatedAt = time.Now()
			if to == StateCancelled {
				s.cancelOnce.Do(func() { close(s.cancelled) })
			}
			return nil
		}
	}
	return &InvalidTransitionError{SessionID: s.id, From: s.state, To: to}
}

// Cancelled returns a channel closed once cancellation is requested. Workers
// select on it to stop dispatching further work.
func (s *Session) Cancelled() <-chan struct{} {
	return s.cancelled
}

// RequestCancel flags the session for cancellation without settling the
// state. An executing session drains its in-flight work first; the engine
// transitions it to cancelled once the drain completes.
func (s *Session) RequestCancel() {
	s.cancelOnce.Do(func() { close(s.cancelled) })
}

// CancelRequested reports whether cancellation has been requested.
func (s *Session) CancelRequested() bool {
	select {
	case <-s.cancelled:
		return true
	default:
		return false
	}
}

// Append adds a message to the log, assigning its seq. Messages whose id was
// already logged are dropped, so a re-delivered message cannot appear twice.
func (s *Session) Append(m Message) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if s.seen[m.ID] {
		return Message{}, false
	}
	if m.Kind == "" {
		m.Kind = "text"
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.Seq = s.nextSeq
	s.nextSeq++
	s.seen[m.ID] = true
	s.messages = append(s.messages, m)
	s.updatedAt = m.CreatedAt
	return m, true
}

// Messages returns the log in append order.
func (s *Session) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.messages...)
}

// SetResult records one agent's output.
func (s *Session) SetResult(agentID, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[agentID] = output
	s.updatedAt = time.Now()
}

func (s *Session) Results() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.results))
	for k, v := range s.results {
		out[k] = v
	}
	return out
}

// Fail records the error that moved the session to failed. The error is kept
// for status queries after the fact.
func (s *Session) Fail(err error) error {
	if terr := s.Transition(StateFailed); terr != nil {
		return terr
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	return nil
}

func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Session) CreatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.createdAt
}

func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// Status is a point-in-time snapshot for API consumers.
type Status struct {
	ID           string            `json:"id"`
	Task         string            `json:"task"`
	Strategy     plan.Strategy     `json:"strategy"`
	State        State             `json:"state"`
	Participants []string          `json:"participants"`
	Results      map[string]string `json:"results,omitempty"`
	Error        string            `json:"error,omitempty"`
	ParentID     string            `json:"parent_id,omitempty"`
	Depth        int               `json:"depth"`
	Messages     int               `json:"messages"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func (s *Session) Snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		ID:           s.id,
		Task:         s.task,
		Strategy:     s.strategy,
		State:        s.state,
		Participants: append([]string(nil), s.participants...),
		Results:      make(map[string]string, len(s.results)),
		ParentID:     s.parentID,
		Depth:        s.depth,
		Messages:     len(s.messages),
		CreatedAt:    s.createdAt,
		UpdatedAt:    s.updatedAt,
	}
	for k, v := range s.results {
		st.Results[k] = v
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}
