// Package sched provides a periodic scheduler that fires due status
// refreshes by submitting STATUS tasks to the orchestrator.
package sched

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/sprintloop/internal/orchestrator"
	"github.com/basket/sprintloop/internal/task"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Runner executes the body of a scheduled STATUS task and returns its result.
type Runner interface {
	RunStatus(ctx context.Context, taskID string) (json.RawMessage, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, taskID string) (json.RawMessage, error)

func (f RunnerFunc) RunStatus(ctx context.Context, taskID string) (json.RawMessage, error) {
	return f(ctx, taskID)
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Runner       Runner
	CronExpr     string        // defaults to every 15 minutes
	Interval     time.Duration // tick interval; defaults to 1 minute if zero
	Logger       *slog.Logger
}

// Scheduler fires STATUS tasks on a cron schedule. Each firing goes through
// the orchestrator like any other task, so refreshes appear in the event log.
type Scheduler struct {
	orch     *orchestrator.Orchestrator
	runner   Runner
	cronExpr string
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	expr := cfg.CronExpr
	if expr == "" {
		expr = "*/15 * * * *"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		orch:     cfg.Orchestrator,
		runner:   cfg.Runner,
		cronExpr: expr,
		interval: interval,
		logger:   logger,
	}
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := NextRunTime(s.cronExpr, time.Now()); err != nil {
		return err
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("status scheduler started", "cron_expr", s.cronExpr, "interval", s.interval)
	return nil
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("status scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each due tick.
	s.fire(ctx)
	next, _ := NextRunTime(s.cronExpr, time.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Before(next) {
				continue
			}
			s.fire(ctx)
			next, _ = NextRunTime(s.cronExpr, now)
		}
	}
}

// fire submits one STATUS task and drives it to a terminal state. A failed
// refresh is recorded and left to the next firing; the projection is
// regenerable.
func (s *Scheduler) fire(ctx context.Context) {
	payload, err := json.Marshal(map[string]string{"trigger": "schedule", "cron_expr": s.cronExpr})
	if err != nil {
		s.logger.Error("scheduler: marshal status payload", "error", err)
		return
	}
	id, err := s.orch.Submit(ctx, task.KindStatus, payload)
	if err != nil {
		s.logger.Error("scheduler: submit status task", "error", err)
		return
	}
	h, err := s.orch.BeginExecution(ctx, id)
	if err != nil {
		s.logger.Error("scheduler: begin status task", "task_id", id, "error", err)
		return
	}
	result, runErr := s.runner.RunStatus(ctx, id)
	if runErr != nil {
		outcome, err := h.Fail(ctx, runErr)
		if err != nil {
			s.logger.Error("scheduler: record status failure", "task_id", id, "error", err)
			return
		}
		// A rescheduled refresh is pointless; the next firing supersedes it.
		if outcome.State == task.StatePending {
			if err := s.orch.Cancel(ctx, id, "superseded by next scheduled refresh"); err != nil {
				s.logger.Warn("scheduler: cancel superseded status task", "task_id", id, "error", err)
			}
		}
		s.logger.Warn("scheduler: status refresh failed", "task_id", id, "error", runErr)
		return
	}
	if err := h.Complete(ctx, result); err != nil {
		s.logger.Error("scheduler: complete status task", "task_id", id, "error", err)
		return
	}
	s.logger.Info("scheduler: status refreshed", "task_id", id)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
