// Package executor runs agents inside Docker containers and exchanges
// prompts and results with them over the NATS bus.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"convene/internal/config"
	"convene/internal/container"
	"convene/internal/engine"
	"convene/internal/natsbus"
	"convene/internal/store"
	"convene/internal/vault"
)

// Containerized dispatches one prompt per agent run: start the container,
// subscribe for the result subject, publish the prompt, wait.
type Containerized struct {
	containers *container.Manager
	bus        *natsbus.Bus
	client     *natsbus.Client
	store      *store.Store
	vault      *vault.Vault // may be nil
	cfg        config.ExecutorConfig
	defs       map[string]config.AgentDefinition
}

func New(ctr *container.Manager, bus *natsbus.Bus, client *natsbus.Client, s *store.Store, v *vault.Vault, cfg config.ExecutorConfig, defs map[string]config.AgentDefinition) *Containerized {
	return &Containerized{
		containers: ctr,
		bus:        bus,
		client:     client,
		store:      s,
		vault:      v,
		cfg:        cfg,
		defs:       defs,
	}
}

func (x *Containerized) Execute(ctx context.Context, req engine.Request) (string, error) {
	opts := container.AgentOpts{
		AgentID:   req.Agent.ID,
		SessionID: req.SessionID,
		Framework: req.Agent.Framework,
		NATSUrl:   x.bus.AgentNATSURL(),
		Env:       make(map[string]string),
	}
	if def, ok := x.defs[req.Agent.ID]; ok {
		opts.Image = def.Image
		for k, v := range def.Env {
			opts.Env[k] = v
		}
	}
	x.resolveSecrets(&opts)

	clientsBefore := x.bus.NumClients()

	if _, err := x.containers.StartAgent(ctx, opts); err != nil {
		return "", fmt.Errorf("start agent %s: %w", req.Agent.ID, err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = x.containers.StopAgent(stopCtx, req.SessionID, req.Agent.ID)
	}()

	if err := x.awaitConnect(ctx, clientsBefore); err != nil {
		return "", err
	}

	resultCh := make(chan string, 1)
	errCh := make(chan string, 1)
	sub, err := x.client.Subscribe(natsbus.TopicSessionResult(req.SessionID, req.Agent.ID), func(msg *nats.Msg) {
		var out struct {
			Type    string `json:"type"`
			Content string `json:"content"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal(msg.Data, &out); err != nil {
			return
		}
		switch out.Type {
		case "result":
			select {
			case resultCh <- out.Content:
			default:
			}
		case "error":
			select {
			case errCh <- out.Error:
			default:
			}
		}
	})
	if err != nil {
		return "", fmt.Errorf("subscribe for results: %w", err)
	}
	defer sub.Unsubscribe()

	payload, _ := json.Marshal(map[string]string{
		"text":       req.Prompt,
		"agent_id":   req.Agent.ID,
		"session_id": req.SessionID,
	})
	if err := x.client.Publish(natsbus.TopicSessionPrompt(req.SessionID, req.Agent.ID), payload); err != nil {
		return "", fmt.Errorf("send prompt: %w", err)
	}

	timeout := x.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Minute
	}

	select {
	case output := <-resultCh:
		return output, nil
	case msg := <-errCh:
		return "", fmt.Errorf("agent %s reported error: %s", req.Agent.ID, msg)
	case <-time.After(timeout):
		return "", fmt.Errorf("agent %s timed out after %s", req.Agent.ID, timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// awaitConnect blocks until the freshly started container shows up as a bus
// client. Prompts published before the agent subscribes would be lost.
func (x *Containerized) awaitConnect(ctx context.Context, clientsBefore int) error {
	deadline := time.After(30 * time.Second)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			slog.Warn("agent connect timeout, sending anyway", "nats_clients", x.bus.NumClients())
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if x.bus.NumClients() > clientsBefore {
				// Small grace period for the agent to finish subscribing.
				time.Sleep(500 * time.Millisecond)
				return nil
			}
		}
	}
}

// resolveSecrets replaces secret:name env values with decrypted material
// from the store.
func (x *Containerized) resolveSecrets(opts *container.AgentOpts) {
	if x.vault == nil {
		return
	}

	for k, v := range opts.Env {
		name, ok := cutSecretRef(v)
		if !ok {
			continue
		}
		sec, err := x.store.GetSecret(name)
		if err != nil || sec == nil {
			slog.Warn("failed to resolve env secret", "env", k, "secret", name)
			delete(opts.Env, k)
			continue
		}
		plain, err := x.vault.Decrypt(sec.Value, sec.Nonce)
		if err != nil {
			slog.Warn("failed to decrypt env secret", "env", k, "secret", name)
			delete(opts.Env, k)
			continue
		}
		opts.Env[k] = string(plain)
	}
}

func cutSecretRef(v string) (string, bool) {
	const prefix = "secret:"
	if len(v) <= len(prefix) || v[:len(prefix)] != prefix {
		return "", false
	}
	return v[len(prefix):], true
}
