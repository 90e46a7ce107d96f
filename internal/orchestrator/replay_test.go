package orchestrator

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/basket/sprintloop/internal/eventlog"
	"github.com/basket/sprintloop/internal/task"
)

// driveHistory runs a representative mix of lifecycles through a live
// orchestrator and returns the log plus the live final state.
func driveHistory(t *testing.T) (*eventlog.Memory, map[string]task.Task) {
	t.Helper()
	log := eventlog.NewMemory("s")
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	o := New(Config{
		Log:    log,
		Policy: task.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Now:    func() time.Time { return clock },
	})
	ctx := context.Background()

	// Completed task.
	a, _ := o.Submit(ctx, task.KindPlan, json.RawMessage(`{"sprint_ref":"demo"}`))
	h, _ := o.BeginExecution(ctx, a)
	h.Complete(ctx, json.RawMessage(`{"tasks":1}`))

	// Retried then exhausted task.
	b, _ := o.Submit(ctx, task.KindEdit, json.RawMessage(`{"resource":"notes.txt"}`))
	h, _ = o.BeginExecution(ctx, b)
	h.Fail(ctx, task.NewError(task.ErrorKindTimeout, "slow actuator"))
	h, _ = o.BeginExecution(ctx, b)
	h.Fail(ctx, task.NewError(task.ErrorKindTimeout, "slow actuator"))

	// Cancelled task.
	c, _ := o.Submit(ctx, task.KindReview, json.RawMessage(`{}`))
	o.Cancel(ctx, c, "operator stop")

	// Pending task, never started.
	o.Submit(ctx, task.KindStatus, nil)

	live := make(map[string]task.Task)
	for _, tk := range o.List() {
		live[tk.ID] = tk
	}
	return log, live
}

func TestFold_MatchesLiveState(t *testing.T) {
	log, live := driveHistory(t)

	events, _ := log.ReadAll(context.Background())
	folded := Fold(events)

	if len(folded) != len(live) {
		t.Fatalf("folded %d tasks, live has %d", len(folded), len(live))
	}
	for id, want := range live {
		got, ok := folded[id]
		if !ok {
			t.Fatalf("task %s missing from fold", id)
		}
		if got.State != want.State {
			t.Errorf("task %s: state %s, want %s", id, got.State, want.State)
		}
		if got.Attempt != want.Attempt {
			t.Errorf("task %s: attempt %d, want %d", id, got.Attempt, want.Attempt)
		}
		if got.Kind != want.Kind {
			t.Errorf("task %s: kind %s, want %s", id, got.Kind, want.Kind)
		}
		if string(got.Result) != string(want.Result) {
			t.Errorf("task %s: result %s, want %s", id, got.Result, want.Result)
		}
		if got.LastError != want.LastError {
			t.Errorf("task %s: last error %q, want %q", id, got.LastError, want.LastError)
		}
	}
}

func TestFold_Deterministic(t *testing.T) {
	log, _ := driveHistory(t)
	events, _ := log.ReadAll(context.Background())

	first := Fold(events)
	for i := 0; i < 10; i++ {
		if again := Fold(events); !reflect.DeepEqual(again, first) {
			t.Fatal("Fold is not deterministic over the same event sequence")
		}
	}
}

func TestFold_NoOverlappingExecutingIntervals(t *testing.T) {
	log, _ := driveHistory(t)
	events, _ := log.ReadAll(context.Background())

	executing := make(map[string]bool)
	for _, ev := range events {
		switch ev.ToState {
		case task.StateExecuting:
			if executing[ev.TaskID] {
				t.Fatalf("task %s entered EXECUTING twice without leaving", ev.TaskID)
			}
			executing[ev.TaskID] = true
		default:
			if ev.FromState == task.StateExecuting {
				executing[ev.TaskID] = false
			}
		}
	}
}

func TestRestore_RebuildsStore(t *testing.T) {
	log, live := driveHistory(t)

	restored := New(Config{Log: log, Policy: task.DefaultRetryPolicy()})
	if err := restored.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	for id, want := range live {
		got, ok := restored.Get(id)
		if !ok {
			t.Fatalf("task %s missing after restore", id)
		}
		if got.State != want.State || got.Attempt != want.Attempt {
			t.Errorf("task %s restored as %s/%d, want %s/%d",
				id, got.State, got.Attempt, want.State, want.Attempt)
		}
	}
}

func TestRestore_AcrossSQLiteSessions(t *testing.T) {
	// History written by one session must be recoverable in the next,
	// stitched through stored session linkage.
	dir := t.TempDir()
	ctx := context.Background()

	store, err := eventlog.Open(ctx, dir+"/events.db")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	o := New(Config{Log: store, Policy: task.DefaultRetryPolicy()})
	id, _ := o.Submit(ctx, task.KindPlan, json.RawMessage(`{"sprint_ref":"demo"}`))
	h, _ := o.BeginExecution(ctx, id)
	h.Complete(ctx, json.RawMessage(`{"done":true}`))
	store.Close()

	store2, err := eventlog.Open(ctx, dir+"/events.db")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store2.Close()

	o2 := New(Config{Log: store2, Policy: task.DefaultRetryPolicy()})
	if err := o2.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got, ok := o2.Get(id)
	if !ok {
		t.Fatal("task missing after cross-session restore")
	}
	if got.State != task.StateCompleted {
		t.Fatalf("state = %s, want %s", got.State, task.StateCompleted)
	}
	if string(got.Result) != `{"done":true}` {
		t.Fatalf("result = %s", got.Result)
	}
}

func TestInterrupted_ListsExecutingTasks(t *testing.T) {
	log := eventlog.NewMemory("s")
	o := New(Config{Log: log, Policy: task.DefaultRetryPolicy()})
	ctx := context.Background()

	id, _ := o.Submit(ctx, task.KindEdit, json.RawMessage(`{}`))
	o.BeginExecution(ctx, id)

	// Simulate crash: new orchestrator over the same log.
	o2 := New(Config{Log: log, Policy: task.DefaultRetryPolicy()})
	if err := o2.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	interrupted := o2.Interrupted()
	if len(interrupted) != 1 || interrupted[0].ID != id {
		t.Fatalf("Interrupted = %+v, want one entry for %s", interrupted, id)
	}
}
