package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/sprintloop/internal/eventlog"
	"github.com/basket/sprintloop/internal/task"
)

func newTestOrchestrator(t *testing.T, policy task.RetryPolicy) (*Orchestrator, *eventlog.Memory) {
	t.Helper()
	log := eventlog.NewMemory("test-session")
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := New(Config{
		Log:    log,
		Policy: policy,
		Now:    func() time.Time { return clock },
	})
	return o, log
}

func TestSubmit_CreatesPendingTask(t *testing.T) {
	o, log := newTestOrchestrator(t, task.DefaultRetryPolicy())
	ctx := context.Background()

	id, err := o.Submit(ctx, task.KindPlan, json.RawMessage(`{"sprint_ref":"demo"}`))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got, ok := o.Get(id)
	if !ok {
		t.Fatal("task not found after submit")
	}
	if got.State != task.StatePending || got.Kind != task.KindPlan || got.Attempt != 0 {
		t.Fatalf("task = %+v, want pending PLAN with 0 attempts", got)
	}

	events, _ := log.ReadAll(ctx)
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].Cause != CauseSubmitted || events[0].ToState != task.StatePending {
		t.Fatalf("creation event = %+v", events[0])
	}
}

func TestSubmit_RejectsMalformed(t *testing.T) {
	o, _ := newTestOrchestrator(t, task.DefaultRetryPolicy())
	ctx := context.Background()

	if _, err := o.Submit(ctx, task.Kind("DEPLOY"), nil); task.Classify(err) != task.ErrorKindInvalidPayload {
		t.Fatalf("unknown kind: got %v, want InvalidPayload", err)
	}
	if _, err := o.Submit(ctx, task.KindPlan, json.RawMessage(`{not json`)); task.Classify(err) != task.ErrorKindInvalidPayload {
		t.Fatalf("bad payload: got %v, want InvalidPayload", err)
	}
}

func TestBeginExecution_AtMostOneInFlight(t *testing.T) {
	o, _ := newTestOrchestrator(t, task.DefaultRetryPolicy())
	ctx := context.Background()

	id, _ := o.Submit(ctx, task.KindEdit, json.RawMessage(`{}`))
	h, err := o.BeginExecution(ctx, id)
	if err != nil {
		t.Fatalf("BeginExecution: %v", err)
	}

	// Second begin without an intervening terminal/failure transition is
	// rejected.
	if _, err := o.BeginExecution(ctx, id); task.Classify(err) != task.ErrorKindInvalidTransition {
		t.Fatalf("second begin: got %v, want InvalidTransition", err)
	}

	if err := h.Complete(ctx, json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	// Completed task cannot be re-executed either.
	if _, err := o.BeginExecution(ctx, id); task.Classify(err) != task.ErrorKindInvalidTransition {
		t.Fatalf("begin after complete: got %v, want InvalidTransition", err)
	}
}

func TestComplete_RequiresExecuting(t *testing.T) {
	o, _ := newTestOrchestrator(t, task.DefaultRetryPolicy())
	ctx := context.Background()

	id, _ := o.Submit(ctx, task.KindPlan, json.RawMessage(`{}`))
	if err := o.Complete(ctx, id, nil); task.Classify(err) != task.ErrorKindInvalidTransition {
		t.Fatalf("complete pending: got %v, want InvalidTransition", err)
	}
	if _, err := o.Fail(ctx, id, errors.New("boom")); task.Classify(err) != task.ErrorKindInvalidTransition {
		t.Fatalf("fail pending: got %v, want InvalidTransition", err)
	}
}

func TestFail_RetriesThenExhausts(t *testing.T) {
	o, log := newTestOrchestrator(t, task.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	ctx := context.Background()

	id, _ := o.Submit(ctx, task.KindPlan, json.RawMessage(`{}`))

	// Attempt 1: retriable failure loops back to pending.
	h, _ := o.BeginExecution(ctx, id)
	out, err := h.Fail(ctx, task.NewError(task.ErrorKindTimeout, "provider timeout"))
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if out.State != task.StatePending || out.Attempt != 1 {
		t.Fatalf("outcome = %+v, want pending attempt 1", out)
	}
	got, _ := o.Get(id)
	if got.State != task.StatePending || got.Attempt != 1 {
		t.Fatalf("task = %+v, want pending attempt 1", got)
	}

	// Attempt 2 hits the ceiling.
	h, err = o.BeginExecution(ctx, id)
	if err != nil {
		t.Fatalf("BeginExecution after retry: %v", err)
	}
	out, err = h.Fail(ctx, task.NewError(task.ErrorKindTimeout, "provider timeout"))
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if out.State != task.StateExhausted || out.Attempt != 2 {
		t.Fatalf("outcome = %+v, want exhausted attempt 2", out)
	}
	got, _ = o.Get(id)
	if got.State != task.StateExhausted {
		t.Fatalf("state = %s, want %s", got.State, task.StateExhausted)
	}

	// History: submitted, begin, failed, retry, begin, failed, exhausted.
	events, _ := log.ReadAll(ctx)
	var causes []string
	for _, ev := range events {
		causes = append(causes, ev.Cause)
	}
	want := []string{CauseSubmitted, CauseBegin, CauseFailed, CauseRetry, CauseBegin, CauseFailed, CauseExhausted}
	if len(causes) != len(want) {
		t.Fatalf("causes = %v, want %v", causes, want)
	}
	for i := range want {
		if causes[i] != want[i] {
			t.Fatalf("causes[%d] = %s, want %s (full: %v)", i, causes[i], want[i], causes)
		}
	}
}

func TestFail_NonRetriableExhaustsImmediately(t *testing.T) {
	o, _ := newTestOrchestrator(t, task.DefaultRetryPolicy())
	ctx := context.Background()

	id, _ := o.Submit(ctx, task.KindReview, json.RawMessage(`{}`))
	h, _ := o.BeginExecution(ctx, id)
	out, err := h.Fail(ctx, task.NewError(task.ErrorKindAuth, "401 unauthorized"))
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if out.State != task.StateExhausted {
		t.Fatalf("state = %s, want immediate exhaustion for auth error", out.State)
	}
}

func TestCancel_ReleasesExecutionSlot(t *testing.T) {
	log := eventlog.NewMemory("s")
	o := New(Config{Log: log, Policy: task.DefaultRetryPolicy(), MaxConcurrent: 1})
	ctx := context.Background()

	a, _ := o.Submit(ctx, task.KindEdit, json.RawMessage(`{}`))
	b, _ := o.Submit(ctx, task.KindEdit, json.RawMessage(`{}`))

	if _, err := o.BeginExecution(ctx, a); err != nil {
		t.Fatalf("BeginExecution(a): %v", err)
	}
	if err := o.Cancel(ctx, a, "user abort"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := o.Get(a)
	if got.State != task.StateCancelled {
		t.Fatalf("state = %s, want cancelled", got.State)
	}

	// The ceiling slot must be free again: b can begin without blocking.
	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if _, err := o.BeginExecution(ctx2, b); err != nil {
		t.Fatalf("BeginExecution(b) after cancel: %v", err)
	}
}

func TestCancel_TerminalTaskRejected(t *testing.T) {
	o, _ := newTestOrchestrator(t, task.DefaultRetryPolicy())
	ctx := context.Background()

	id, _ := o.Submit(ctx, task.KindPlan, json.RawMessage(`{}`))
	h, _ := o.BeginExecution(ctx, id)
	h.Complete(ctx, nil)

	if err := o.Cancel(ctx, id, "too late"); task.Classify(err) != task.ErrorKindInvalidTransition {
		t.Fatalf("cancel completed: got %v, want InvalidTransition", err)
	}
}

func TestConcurrencyCeiling_Blocks(t *testing.T) {
	log := eventlog.NewMemory("s")
	o := New(Config{Log: log, Policy: task.DefaultRetryPolicy(), MaxConcurrent: 1})
	ctx := context.Background()

	a, _ := o.Submit(ctx, task.KindPlan, json.RawMessage(`{}`))
	b, _ := o.Submit(ctx, task.KindPlan, json.RawMessage(`{}`))

	ha, err := o.BeginExecution(ctx, a)
	if err != nil {
		t.Fatalf("BeginExecution(a): %v", err)
	}

	started := make(chan struct{})
	acquired := make(chan error, 1)
	go func() {
		close(started)
		_, err := o.BeginExecution(ctx, b)
		acquired <- err
	}()
	<-started

	select {
	case err := <-acquired:
		t.Fatalf("BeginExecution(b) did not block at ceiling (err=%v)", err)
	case <-time.After(100 * time.Millisecond):
	}

	if err := ha.Complete(ctx, nil); err != nil {
		t.Fatalf("Complete(a): %v", err)
	}
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("BeginExecution(b) after release: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("BeginExecution(b) still blocked after slot release")
	}
}

func TestTransitions_LinearizedUnderConcurrency(t *testing.T) {
	log := eventlog.NewMemory("s")
	o := New(Config{Log: log, Policy: task.DefaultRetryPolicy(), MaxConcurrent: 8})
	ctx := context.Background()

	id, _ := o.Submit(ctx, task.KindEdit, json.RawMessage(`{}`))

	// Many goroutines race to begin the same task; exactly one may win per
	// pending→executing window.
	var wg sync.WaitGroup
	wins := make(chan *ExecutionHandle, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h, err := o.BeginExecution(ctx, id); err == nil {
				wins <- h
			}
		}()
	}
	wg.Wait()
	close(wins)

	var handles []*ExecutionHandle
	for h := range wins {
		handles = append(handles, h)
	}
	if len(handles) != 1 {
		t.Fatalf("%d goroutines began execution, want exactly 1", len(handles))
	}

	// The event history must contain exactly one begin event.
	events, _ := log.ReadAll(ctx)
	begins := 0
	for _, ev := range events {
		if ev.Cause == CauseBegin {
			begins++
		}
	}
	if begins != 1 {
		t.Fatalf("history has %d begin events, want 1", begins)
	}
}
