// Package router delivers messages between the participants of a session.
// Each participant owns a bounded inbox; deliveries happen under one lock so
// every participant observes messages in the exact order they were accepted
// into the session log.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"convene/internal/config"
	"convene/internal/natsbus"
	"convene/internal/session"
)

// DeliveryTimeoutError reports a recipient whose inbox stayed full past the
// delivery timeout.
type DeliveryTimeoutError struct {
	SessionID string
	Recipient string
}

func (e *DeliveryTimeoutError) Error() string {
	return fmt.Sprintf("session %s: delivery to %s timed out, inbox full", e.SessionID, e.Recipient)
}

// Router fans session messages out to participant inboxes.
type Router struct {
	sess   *session.Session
	cfg    config.RouterConfig
	events *natsbus.Client // may be nil
	log    *slog.Logger

	// mu is held across the whole append-then-deliver sequence. That is
	// what gives all recipients the same message order.
	mu      sync.Mutex
	inboxes map[string]chan session.Message
	closed  bool
}

func New(sess *session.Session, cfg config.RouterConfig, events *natsbus.Client, log *slog.Logger) *Router {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 30 * time.Second
	}
	r := &Router{
		sess:    sess,
		cfg:     cfg,
		events:  events,
		log:     log,
		inboxes: make(map[string]chan session.Message),
	}
	for _, id := range sess.Participants() {
		r.inboxes[id] = make(chan session.Message, cfg.QueueSize)
	}
	return r
}

// Inbox returns a participant's receive channel.
func (r *Router) Inbox(participant string) (<-chan session.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.inboxes[participant]
	return ch, ok
}

// Route logs a message and delivers it to its recipient. A message whose id
// was already logged is silently dropped. Recipient "" broadcasts.
func (r *Router) Route(m session.Message) error {
	if m.Recipient == "" {
		return r.Broadcast(m)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("session %s: router closed", r.sess.ID())
	}
	inbox, ok := r.inboxes[m.Recipient]
	if !ok {
		return fmt.Errorf("session %s: unknown recipient %q", r.sess.ID(), m.Recipient)
	}

	logged, fresh := r.sess.Append(m)
	if !fresh {
		r.log.Debug("duplicate message dropped", "session", r.sess.ID(), "id", m.ID)
		return nil
	}

	if err := r.deliver(inbox, m.Recipient, logged); err != nil {
		return err
	}
	r.publishEvent(logged)
	return nil
}

// Broadcast logs a message once and delivers it to every participant except
// the sender, in participant order. The lock is held for the whole fan-out,
// so two broadcasts can never interleave in any inbox. A recipient whose
// delivery times out does not block the rest of the fan-out; the timeouts
// are collected and returned joined.
func (r *Router) Broadcast(m session.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("session %s: router closed", r.sess.ID())
	}

	logged, fresh := r.sess.Append(m)
	if !fresh {
		r.log.Debug("duplicate message dropped", "session", r.sess.ID(), "id", m.ID)
		return nil
	}

	var errs []error
	for _, id := range r.sess.Participants() {
		if id == logged.Sender {
			continue
		}
		inbox, ok := r.inboxes[id]
		if !ok {
			continue
		}
		if err := r.deliver(inbox, id, logged); err != nil {
			errs = append(errs, err)
		}
	}
	r.publishEvent(logged)
	return errors.Join(errs...)
}

func (r *Router) deliver(inbox chan session.Message, recipient string, m session.Message) error {
	select {
	case inbox <- m:
		return nil
	default:
	}

	// Inbox is full; give the consumer the delivery timeout to drain.
	timer := time.NewTimer(r.cfg.DeliveryTimeout)
	defer timer.Stop()
	select {
	case inbox <- m:
		return nil
	case <-timer.C:
		return &DeliveryTimeoutError{SessionID: r.sess.ID(), Recipient: recipient}
	}
}

// publishEvent mirrors an accepted message onto the event stream for
// observers. Best effort; a missing client or publish failure never blocks
// routing.
func (r *Router) publishEvent(m session.Message) {
	if r.events == nil {
		return
	}
	if err := r.events.PublishJSON(natsbus.TopicEventsSession(r.sess.ID()), m); err != nil {
		r.log.Debug("publish message event failed", "error", err)
	}
}

// Close shuts the inboxes down. Pending messages stay readable; consumers
// see the close once drained.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, ch := range r.inboxes {
		close(ch)
	}
}
