package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"convene/internal/capability"
	"convene/internal/engine"
	"convene/internal/plan"
	"convene/internal/registry"
	"convene/internal/schedule"
	"convene/internal/session"
	"convene/internal/store"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Sessions
	mux.HandleFunc("GET /api/sessions", s.listSessions)
	mux.HandleFunc("POST /api/sessions", s.createSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.getSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.deleteSession)
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.getSessionMessages)
	mux.HandleFunc("POST /api/sessions/{id}/messages", s.postSessionMessage)
	mux.HandleFunc("POST /api/sessions/{id}/cancel", s.cancelSession)
	mux.HandleFunc("POST /api/sessions/purge", s.purgeSessions)

	// Agents
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("POST /api/agents", s.registerAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.unregisterAgent)

	// Capabilities
	mux.HandleFunc("GET /api/capabilities", s.listCapabilities)
	mux.HandleFunc("POST /api/capabilities", s.registerCapability)
	mux.HandleFunc("DELETE /api/capabilities/{name}", s.unregisterCapability)

	// Scheduled tasks
	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("POST /api/tasks", s.createTask)
	mux.HandleFunc("PUT /api/tasks/{id}", s.updateTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.deleteTask)

	// Secrets
	mux.HandleFunc("GET /api/secrets", s.listSecrets)
	mux.HandleFunc("POST /api/secrets", s.createSecret)
	mux.HandleFunc("DELETE /api/secrets/{name}", s.deleteSecret)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.engine.ListSessions()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, sessions)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Task         string      `json:"task"`
		Strategy     string      `json:"strategy"`
		Participants []string    `json:"participants"`
		Paths        []plan.Path `json:"paths"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Task == "" {
		jsonError(w, "task is required", http.StatusBadRequest)
		return
	}

	req := engine.CreateRequest{
		Task:         body.Task,
		Strategy:     body.Strategy,
		Participants: body.Participants,
		Paths:        body.Paths,
	}

	sess, err := s.engine.CreateSession(r.Context(), req)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := s.engine.Schedule(r.Context(), sess.ID()); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Execution outlives the request
	go func() {
		if err := s.engine.Execute(context.Background(), sess.ID()); err != nil {
			slog.Error("session execution failed", "session", sess.ID(), "error", err)
		}
	}()

	jsonResponse(w, sess.Snapshot())
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, err := s.engine.GetStatus(id)
	if err != nil {
		if errors.Is(err, engine.ErrSessionNotFound) {
			jsonError(w, "session not found", http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, status)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteSession(id); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getSessionMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	messages, err := s.engine.GetMessages(id, 0)
	if err != nil {
		if errors.Is(err, engine.ErrSessionNotFound) {
			jsonError(w, "session not found", http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, messages)
}

func (s *Server) postSessionMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Sender    string `json:"sender"`
		Recipient string `json:"recipient"`
		Content   string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Sender == "" || body.Content == "" {
		jsonError(w, "sender and content are required", http.StatusBadRequest)
		return
	}

	msg := session.Message{
		Sender:    body.Sender,
		Recipient: body.Recipient,
		Content:   body.Content,
	}
	if err := s.engine.PostMessage(id, msg); err != nil {
		if errors.Is(err, engine.ErrSessionNotFound) {
			jsonError(w, "session not found", http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, map[string]string{"status": "routed"})
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Cancel(id); err != nil {
		if errors.Is(err, engine.ErrSessionNotFound) {
			jsonError(w, "session not found", http.StatusNotFound)
			return
		}
		var invalid *session.InvalidTransitionError
		if errors.As(err, &invalid) {
			jsonError(w, err.Error(), http.StatusConflict)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "cancelled"})
}

func (s *Server) purgeSessions(w http.ResponseWriter, r *http.Request) {
	maxAge := 30 * 24 * time.Hour
	if v := r.URL.Query().Get("max_age"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			jsonError(w, fmt.Sprintf("invalid max_age: %v", err), http.StatusBadRequest)
			return
		}
		maxAge = d
	}

	purged, err := s.engine.Purge(maxAge)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]any{"status": "purged", "count": purged})
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.registry.Snapshot()

	runningSet := make(map[string]bool)
	if s.containers != nil {
		for _, c := range s.containers.ListRunning() {
			runningSet[c.AgentID] = true
		}
	}

	out := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		status := "idle"
		if runningSet[a.ID] {
			status = "running"
		}
		out = append(out, map[string]any{
			"id":                 a.ID,
			"name":               a.Name,
			"description":        a.Description,
			"framework":          a.Framework,
			"capabilities":       a.Capabilities,
			"execution_priority": a.Priority,
			"depends_on":         a.DependsOn,
			"status":             status,
		})
	}
	jsonResponse(w, out)
}

func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request) {
	var a registry.Agent
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.registry.Register(a); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, map[string]string{"status": "registered", "id": a.ID})
}

func (s *Server) unregisterAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.Unregister(id); err != nil {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]string{"status": "unregistered"})
}

func (s *Server) listCapabilities(w http.ResponseWriter, r *http.Request) {
	caps := s.caps.List()
	out := make([]map[string]any, 0, len(caps))
	for _, c := range caps {
		out = append(out, map[string]any{
			"name":        c.Name,
			"description": c.Description,
			"domain":      c.Domain,
			"parent":      c.Parent,
			"requires":    c.Requires,
			"examples":    c.Examples,
		})
	}
	jsonResponse(w, out)
}

func (s *Server) registerCapability(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Domain      string   `json:"domain"`
		Parent      string   `json:"parent"`
		Requires    []string `json:"requires"`
		Examples    []string `json:"examples"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	c := capability.Capability{
		Name:        body.Name,
		Description: body.Description,
		Domain:      body.Domain,
		Parent:      body.Parent,
		Requires:    body.Requires,
		Examples:    body.Examples,
	}
	if err := s.caps.Register(c); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, map[string]string{"status": "registered", "name": c.Name})
}

func (s *Server) unregisterCapability(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !s.caps.Unregister(name) {
		jsonError(w, "capability not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]string{"status": "unregistered"})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskToAPI(t))
	}
	jsonResponse(w, out)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		Schedule string `json:"schedule"`
		Task     string `json:"task"`
		Strategy string `json:"strategy"`
		Enabled  *bool  `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Schedule == "" || body.Task == "" {
		jsonError(w, "name, schedule, and task are required", http.StatusBadRequest)
		return
	}

	normalized, err := schedule.Normalize(body.Schedule)
	if err != nil {
		jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
		return
	}

	if _, err := plan.ParseStrategy(body.Strategy); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	status := "active"
	if body.Enabled != nil && !*body.Enabled {
		status = "paused"
	}

	t := store.ScheduledTask{
		ID:       uuid.NewString(),
		Name:     body.Name,
		Schedule: normalized,
		Task:     body.Task,
		Strategy: body.Strategy,
		Status:   status,
	}
	if t.Strategy == "" {
		t.Strategy = "parallel"
	}
	if status == "active" {
		t.NextRunAt = schedule.NextRun(normalized)
	}

	if err := s.store.SaveTask(&t); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, taskToAPI(t))
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	existing, err := s.store.GetTask(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing == nil {
		jsonError(w, "task not found", http.StatusNotFound)
		return
	}

	var body struct {
		Name     *string `json:"name"`
		Schedule *string `json:"schedule"`
		Task     *string `json:"task"`
		Strategy *string `json:"strategy"`
		Enabled  *bool   `json:"enabled"`
		Status   *string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if body.Name != nil {
		existing.Name = *body.Name
	}
	if body.Task != nil {
		existing.Task = *body.Task
	}
	if body.Strategy != nil {
		if _, err := plan.ParseStrategy(*body.Strategy); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		existing.Strategy = *body.Strategy
	}

	if body.Enabled != nil {
		if *body.Enabled {
			existing.Status = "active"
		} else if existing.Status != "completed" {
			existing.Status = "paused"
		}
	} else if body.Status != nil {
		existing.Status = *body.Status
	}

	if body.Schedule != nil {
		normalized, err := schedule.Normalize(*body.Schedule)
		if err != nil {
			jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
			return
		}
		existing.Schedule = normalized
	}

	if existing.Status == "active" {
		existing.NextRunAt = schedule.NextRun(existing.Schedule)
	} else {
		existing.NextRunAt = nil
	}

	if err := s.store.SaveTask(existing); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, taskToAPI(*existing))
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteTask(id); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	sessions, _ := s.engine.ListSessions()
	tasks, _ := s.store.ListTasks()

	activeSessions := 0
	for _, st := range sessions {
		if !st.State.Terminal() {
			activeSessions++
		}
	}

	pendingTasks := 0
	for _, t := range tasks {
		if t.Status == "active" {
			pendingTasks++
		}
	}

	runningAgents := 0
	if s.containers != nil {
		runningAgents = s.containers.ActiveCount()
	}

	recentMsgs, _ := s.store.GetRecentMessages(10)
	recentOut := make([]map[string]string, 0, len(recentMsgs))
	for _, m := range recentMsgs {
		recentOut = append(recentOut, map[string]string{
			"id":      m.ID,
			"session": m.SessionID,
			"sender":  m.Sender,
			"kind":    m.Kind,
			"text":    m.Content,
			"time":    formatMessageTime(m.CreatedAt),
		})
	}

	jsonResponse(w, map[string]any{
		"status":          "ok",
		"active_sessions": activeSessions,
		"sessions_count":  len(sessions),
		"agents_count":    s.registry.Len(),
		"running_agents":  runningAgents,
		"pending_tasks":   pendingTasks,
		"uptime":          formatUptime(time.Since(s.startedAt)),
		"recent_messages": recentOut,
		"nats":            "ok",
		"timestamp":       time.Now().UTC(),
		"version":         s.version,
	})
}

func taskToAPI(t store.ScheduledTask) map[string]any {
	m := map[string]any{
		"id":               t.ID,
		"name":             t.Name,
		"schedule":         t.Schedule,
		"schedule_display": schedule.Describe(t.Schedule),
		"task":             t.Task,
		"strategy":         t.Strategy,
		"enabled":          t.Status == "active",
		"status":           t.Status,
	}
	if t.LastRunAt != nil {
		m["last_run"] = formatMessageTime(*t.LastRunAt)
	}
	if t.NextRunAt != nil {
		m["next_run"] = formatMessageTime(*t.NextRunAt)
	}
	if t.LastStatus != "" {
		m["last_status"] = t.LastStatus
	}
	return m
}

func formatMessageTime(t time.Time) string {
	local := t.Local()
	now := time.Now()
	if local.Year() == now.Year() && local.YearDay() == now.YearDay() {
		return local.Format("15:04")
	}
	return local.Format("Jan 2 15:04")
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
