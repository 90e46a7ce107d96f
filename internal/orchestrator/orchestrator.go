// Package orchestrator owns the task state machine. Every transition is
// appended to the event log before it becomes visible to callers, so the
// in-memory store is always a fold of durable history.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/sprintloop/internal/bus"
	"github.com/basket/sprintloop/internal/eventlog"
	"github.com/basket/sprintloop/internal/task"
	"github.com/google/uuid"
)

// Event causes recorded in the log.
const (
	CauseSubmitted = "submitted"
	CauseBegin     = "begin_execution"
	CauseCompleted = "completed"
	CauseFailed    = "failed"
	CauseRetry     = "retry_scheduled"
	CauseExhausted = "retry_exhausted"
	CauseCancelled = "cancelled"
)

const defaultMaxConcurrent = 4

// Config wires an Orchestrator.
type Config struct {
	Log    eventlog.Log
	Policy task.RetryPolicy
	Bus    *bus.Bus     // optional
	Logger *slog.Logger // optional
	// MaxConcurrent bounds the number of tasks in EXECUTING at once.
	MaxConcurrent int
	// Now injects a clock for tests; defaults to time.Now.
	Now func() time.Time
}

// Orchestrator is the state machine authority for tasks. All mutation goes
// through its transition operations; transitions for a single task are
// strictly linearized.
type Orchestrator struct {
	mu       sync.Mutex
	tasks    map[string]*task.Task
	inflight map[string]struct{}

	log    eventlog.Log
	policy task.RetryPolicy
	bus    *bus.Bus
	logger *slog.Logger
	sem    chan struct{}
	now    func() time.Time
}

// New creates an Orchestrator backed by the given event log.
func New(cfg Config) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		tasks:    make(map[string]*task.Task),
		inflight: make(map[string]struct{}),
		log:      cfg.Log,
		policy:   cfg.Policy,
		bus:      cfg.Bus,
		logger:   logger,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		now:      now,
	}
}

// Submit creates a task in PENDING and records its creation event. It fails
// only on malformed payload or an unknown kind.
func (o *Orchestrator) Submit(ctx context.Context, kind task.Kind, payload json.RawMessage) (string, error) {
	if !kind.Valid() {
		return "", task.NewError(task.ErrorKindInvalidPayload, fmt.Sprintf("unknown task kind %q", kind))
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return "", task.NewError(task.ErrorKindInvalidPayload, "payload is not valid JSON")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	id := uuid.NewString()
	now := o.now().UTC()
	t := &task.Task{
		ID:        id,
		Kind:      kind,
		State:     task.StatePending,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if _, err := o.log.Append(ctx, eventlog.Event{
		TaskID:    id,
		Kind:      kind,
		ToState:   task.StatePending,
		Cause:     CauseSubmitted,
		Detail:    t.Payload,
		Timestamp: now,
	}); err != nil {
		return "", fmt.Errorf("append creation event: %w", err)
	}

	o.tasks[id] = t
	o.publish(bus.TopicTaskSubmitted, bus.TaskTransitionEvent{
		TaskID: id, Kind: string(kind), ToState: string(task.StatePending), Cause: CauseSubmitted,
	})
	o.logger.Debug("task submitted", "task_id", id, "kind", kind)
	return id, nil
}

// ExecutionHandle represents one granted execution attempt.
type ExecutionHandle struct {
	o  *Orchestrator
	id string
}

// TaskID returns the task this handle executes.
func (h *ExecutionHandle) TaskID() string { return h.id }

// Complete records a successful execution.
func (h *ExecutionHandle) Complete(ctx context.Context, result json.RawMessage) error {
	return h.o.Complete(ctx, h.id, result)
}

// Fail records a failed execution and lets the retry policy decide.
func (h *ExecutionHandle) Fail(ctx context.Context, cause error) (FailOutcome, error) {
	return h.o.Fail(ctx, h.id, cause)
}

// BeginExecution transitions PENDING→EXECUTING, enforcing at most one
// in-flight execution per task. It blocks while the concurrency ceiling is
// saturated.
func (o *Orchestrator) BeginExecution(ctx context.Context, id string) (*ExecutionHandle, error) {
	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.tasks[id]
	if !ok {
		<-o.sem
		return nil, task.NewError(task.ErrorKindInvalidTransition, fmt.Sprintf("unknown task %s", id))
	}
	if _, busy := o.inflight[id]; busy || t.State != task.StatePending {
		<-o.sem
		return nil, task.NewError(task.ErrorKindInvalidTransition,
			fmt.Sprintf("task %s is %s, cannot begin execution", id, t.State))
	}

	now := o.now().UTC()
	if _, err := o.log.Append(ctx, eventlog.Event{
		TaskID:    id,
		Kind:      t.Kind,
		FromState: task.StatePending,
		ToState:   task.StateExecuting,
		Cause:     CauseBegin,
		Timestamp: now,
	}); err != nil {
		<-o.sem
		return nil, fmt.Errorf("append begin event: %w", err)
	}

	t.State = task.StateExecuting
	t.UpdatedAt = now
	o.inflight[id] = struct{}{}
	o.publish(bus.TopicTaskTransition, bus.TaskTransitionEvent{
		TaskID: id, Kind: string(t.Kind),
		FromState: string(task.StatePending), ToState: string(task.StateExecuting),
		Attempt: t.Attempt, Cause: CauseBegin,
	})
	return &ExecutionHandle{o: o, id: id}, nil
}

// Complete transitions EXECUTING→COMPLETED and records the result.
func (o *Orchestrator) Complete(ctx context.Context, id string, result json.RawMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.tasks[id]
	if !ok || t.State != task.StateExecuting {
		state := task.State("missing")
		if ok {
			state = t.State
		}
		return task.NewError(task.ErrorKindInvalidTransition,
			fmt.Sprintf("task %s is %s, cannot complete", id, state))
	}

	now := o.now().UTC()
	if _, err := o.log.Append(ctx, eventlog.Event{
		TaskID:    id,
		Kind:      t.Kind,
		FromState: task.StateExecuting,
		ToState:   task.StateCompleted,
		Cause:     CauseCompleted,
		Detail:    result,
		Timestamp: now,
	}); err != nil {
		return fmt.Errorf("append completion event: %w", err)
	}

	t.State = task.StateCompleted
	t.Result = append(json.RawMessage(nil), result...)
	t.UpdatedAt = now
	o.release(id)
	o.publish(bus.TopicTaskCompleted, bus.TaskTransitionEvent{
		TaskID: id, Kind: string(t.Kind),
		FromState: string(task.StateExecuting), ToState: string(task.StateCompleted),
		Attempt: t.Attempt, Cause: CauseCompleted,
	})
	o.logger.Info("task completed", "task_id", id, "kind", t.Kind, "attempt", t.Attempt)
	return nil
}

// FailOutcome reports what the retry policy decided for a failed attempt.
type FailOutcome struct {
	// State is the task's state after the failure: PENDING when a retry was
	// scheduled, FAILED_EXHAUSTED otherwise.
	State task.State
	// Backoff is the delay the caller should wait before re-dispatching.
	Backoff time.Duration
	// ErrorKind is the classified failure kind.
	ErrorKind task.ErrorKind
	// Attempt is the attempt count including the one that just failed.
	Attempt int
}

// Fail transitions EXECUTING→FAILED, consults the retry policy, and either
// loops the task back to PENDING or declares it FAILED_EXHAUSTED.
func (o *Orchestrator) Fail(ctx context.Context, id string, cause error) (FailOutcome, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.tasks[id]
	if !ok || t.State != task.StateExecuting {
		state := task.State("missing")
		if ok {
			state = t.State
		}
		return FailOutcome{}, task.NewError(task.ErrorKindInvalidTransition,
			fmt.Sprintf("task %s is %s, cannot fail", id, state))
	}

	kind := task.Classify(cause)
	attempt := t.Attempt + 1
	now := o.now().UTC()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	detail, _ := json.Marshal(map[string]any{
		"error":      msg,
		"error_kind": string(kind),
		"attempt":    attempt,
	})
	if _, err := o.log.Append(ctx, eventlog.Event{
		TaskID:    id,
		Kind:      t.Kind,
		FromState: task.StateExecuting,
		ToState:   task.StateFailed,
		Cause:     CauseFailed,
		Detail:    detail,
		Timestamp: now,
	}); err != nil {
		return FailOutcome{}, fmt.Errorf("append failure event: %w", err)
	}
	t.State = task.StateFailed
	t.Attempt = attempt
	t.LastError = msg
	t.UpdatedAt = now
	o.release(id)

	decision := o.policy.Decide(attempt, kind)
	if kind == task.ErrorKindCancelled {
		// Cancellation is terminal regardless of attempts left.
		decision = task.GiveUp
	}

	if decision.Retry {
		retryDetail, _ := json.Marshal(map[string]any{"backoff_ms": decision.Backoff.Milliseconds()})
		if _, err := o.log.Append(ctx, eventlog.Event{
			TaskID:    id,
			Kind:      t.Kind,
			FromState: task.StateFailed,
			ToState:   task.StatePending,
			Cause:     CauseRetry,
			Detail:    retryDetail,
			Timestamp: now,
		}); err != nil {
			return FailOutcome{}, fmt.Errorf("append retry event: %w", err)
		}
		t.State = task.StatePending
		o.publish(bus.TopicTaskRetrying, bus.TaskTransitionEvent{
			TaskID: id, Kind: string(t.Kind),
			FromState: string(task.StateFailed), ToState: string(task.StatePending),
			Attempt: attempt, Cause: CauseRetry,
		})
		o.logger.Warn("task failed, retry scheduled",
			"task_id", id, "kind", t.Kind, "error_kind", kind,
			"attempt", attempt, "backoff", decision.Backoff)
		return FailOutcome{State: task.StatePending, Backoff: decision.Backoff, ErrorKind: kind, Attempt: attempt}, nil
	}

	if _, err := o.log.Append(ctx, eventlog.Event{
		TaskID:    id,
		Kind:      t.Kind,
		FromState: task.StateFailed,
		ToState:   task.StateExhausted,
		Cause:     CauseExhausted,
		Detail:    detail,
		Timestamp: now,
	}); err != nil {
		return FailOutcome{}, fmt.Errorf("append exhausted event: %w", err)
	}
	t.State = task.StateExhausted
	o.publish(bus.TopicTaskExhausted, bus.TaskTransitionEvent{
		TaskID: id, Kind: string(t.Kind),
		FromState: string(task.StateFailed), ToState: string(task.StateExhausted),
		Attempt: attempt, Cause: CauseExhausted,
	})
	o.logger.Error("task exhausted retries",
		"task_id", id, "kind", t.Kind, "error_kind", kind, "attempt", attempt)
	return FailOutcome{State: task.StateExhausted, ErrorKind: kind, Attempt: attempt}, nil
}

// Cancel records an external cancellation for a PENDING or EXECUTING task and
// releases its execution slot.
func (o *Orchestrator) Cancel(ctx context.Context, id string, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.tasks[id]
	if !ok {
		return task.NewError(task.ErrorKindInvalidTransition, fmt.Sprintf("unknown task %s", id))
	}
	if !task.CanTransition(t.State, task.StateCancelled) {
		return task.NewError(task.ErrorKindInvalidTransition,
			fmt.Sprintf("task %s is %s, cannot cancel", id, t.State))
	}

	now := o.now().UTC()
	detail, _ := json.Marshal(map[string]string{"reason": reason})
	from := t.State
	if _, err := o.log.Append(ctx, eventlog.Event{
		TaskID:    id,
		Kind:      t.Kind,
		FromState: from,
		ToState:   task.StateCancelled,
		Cause:     CauseCancelled,
		Detail:    detail,
		Timestamp: now,
	}); err != nil {
		return fmt.Errorf("append cancel event: %w", err)
	}

	if from == task.StateExecuting {
		o.release(id)
	}
	t.State = task.StateCancelled
	t.LastError = reason
	t.UpdatedAt = now
	o.publish(bus.TopicTaskCancelled, bus.TaskTransitionEvent{
		TaskID: id, Kind: string(t.Kind),
		FromState: string(from), ToState: string(task.StateCancelled),
		Attempt: t.Attempt, Cause: CauseCancelled,
	})
	return nil
}

// Get returns a snapshot of the task.
func (o *Orchestrator) Get(id string) (task.Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok {
		return task.Task{}, false
	}
	return t.Clone(), true
}

// List returns snapshots of all known tasks.
func (o *Orchestrator) List() []task.Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]task.Task, 0, len(o.tasks))
	for _, t := range o.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// release frees the execution slot for id. Caller holds o.mu.
func (o *Orchestrator) release(id string) {
	if _, ok := o.inflight[id]; ok {
		delete(o.inflight, id)
		<-o.sem
	}
}

func (o *Orchestrator) publish(topic string, payload any) {
	if o.bus != nil {
		o.bus.Publish(topic, payload)
	}
}
