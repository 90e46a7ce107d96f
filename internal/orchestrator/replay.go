package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/sprintloop/internal/eventlog"
	"github.com/basket/sprintloop/internal/task"
)

// Fold rebuilds the task map from an ordered event sequence. It is a pure
// function: the same events always produce the same map, independent of when
// replay runs. Wall-clock fields come from event timestamps, never from the
// replaying process.
func Fold(events []eventlog.Event) map[string]task.Task {
	tasks := make(map[string]task.Task)
	for _, ev := range events {
		t, ok := tasks[ev.TaskID]
		if !ok {
			// Creation event. Later sessions may replay a task whose creation
			// lives in an earlier stitched session, so tolerate a missing
			// FromState check here.
			t = task.Task{
				ID:        ev.TaskID,
				Kind:      ev.Kind,
				State:     ev.ToState,
				CreatedAt: ev.Timestamp,
			}
			if ev.Cause == CauseSubmitted && len(ev.Detail) > 0 {
				t.Payload = append(json.RawMessage(nil), ev.Detail...)
			}
			t.UpdatedAt = ev.Timestamp
			tasks[ev.TaskID] = t
			continue
		}

		t.State = ev.ToState
		t.UpdatedAt = ev.Timestamp
		switch ev.Cause {
		case CauseCompleted:
			if len(ev.Detail) > 0 {
				t.Result = append(json.RawMessage(nil), ev.Detail...)
			}
		case CauseFailed:
			t.Attempt++
			var d struct {
				Error string `json:"error"`
			}
			if err := json.Unmarshal(ev.Detail, &d); err == nil {
				t.LastError = d.Error
			}
		case CauseCancelled:
			var d struct {
				Reason string `json:"reason"`
			}
			if err := json.Unmarshal(ev.Detail, &d); err == nil {
				t.LastError = d.Reason
			}
		}
		tasks[ev.TaskID] = t
	}
	return tasks
}

// Restore replaces the in-memory store with the fold of the full event
// history (all stitched sessions), for crash recovery. Tasks left in
// EXECUTING by an interrupted session keep that state; the caller decides
// whether to cancel or fail them before reuse.
func (o *Orchestrator) Restore(ctx context.Context) error {
	events, err := o.log.ReadAll(ctx)
	if err != nil {
		return fmt.Errorf("read event history: %w", err)
	}
	folded := Fold(events)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.tasks = make(map[string]*task.Task, len(folded))
	for id, t := range folded {
		clone := t.Clone()
		o.tasks[id] = &clone
	}
	o.inflight = make(map[string]struct{})
	o.logger.Info("task store restored from event log", "events", len(events), "tasks", len(folded))
	return nil
}

// Interrupted returns tasks stranded in EXECUTING, typically after Restore.
func (o *Orchestrator) Interrupted() []task.Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []task.Task
	for _, t := range o.tasks {
		if t.State == task.StateExecuting {
			out = append(out, t.Clone())
		}
	}
	return out
}
