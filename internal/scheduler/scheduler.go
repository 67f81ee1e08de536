// Package scheduler runs recurring sessions. It polls the store for due
// scheduled tasks and launches a full collaboration for each.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"convene/internal/config"
	"convene/internal/engine"
	"convene/internal/natsbus"
	"convene/internal/schedule"
	"convene/internal/store"
)

type Scheduler struct {
	store        *store.Store
	engine       *engine.Engine
	client       *natsbus.Client // may be nil
	pollInterval time.Duration
	reloadCh     chan struct{}
}

func New(s *store.Store, eng *engine.Engine, client *natsbus.Client, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		engine:       eng,
		client:       client,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
	}
}

// UpdateConfig changes the poll interval and signals the run loop to reset
// its ticker.
func (s *Scheduler) UpdateConfig(pollInterval time.Duration) {
	s.pollInterval = pollInterval
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.pollInterval)
			slog.Info("scheduler config reloaded", "poll_interval", s.pollInterval)
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	tasks, err := s.store.GetDueTasks(time.Now())
	if err != nil {
		slog.Error("failed to get due tasks", "error", err)
		return
	}

	for _, task := range tasks {
		s.execute(ctx, task)
	}
}

func (s *Scheduler) execute(ctx context.Context, task store.ScheduledTask) {
	slog.Info("launching scheduled session", "id", task.ID, "name", task.Name)

	sess, err := s.engine.Run(ctx, engine.CreateRequest{
		Task:     task.Task,
		Strategy: task.Strategy,
	})

	var lastStatus, lastError string
	if err != nil {
		lastStatus = "error"
		lastError = err.Error()
		slog.Error("scheduled session failed", "id", task.ID, "error", err)
	} else {
		lastStatus = "success"
		slog.Info("scheduled session completed", "id", task.ID, "session", sess.ID())
	}

	nextRun := schedule.NextRun(task.Schedule)

	if err := s.store.UpdateTaskRun(task.ID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to update task run", "id", task.ID, "error", err)
	}

	s.publishTaskEvent(task, lastStatus)

	// One-off tasks with no next run are done.
	if nextRun == nil {
		slog.Info("no next run, marking task as completed", "id", task.ID, "name", task.Name)
		if err := s.store.UpdateTaskStatus(task.ID, "completed"); err != nil {
			slog.Error("failed to complete task", "id", task.ID, "error", err)
		}
	}
}

func (s *Scheduler) publishTaskEvent(task store.ScheduledTask, status string) {
	if s.client == nil {
		return
	}

	event := map[string]any{
		"type":      "task_executed",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"id":     task.ID,
			"name":   task.Name,
			"status": status,
		},
	}
	if err := s.client.PublishJSON(natsbus.TopicEventsTaskExecuted, event); err != nil {
		slog.Debug("publish task event failed", "error", err)
	}
}
