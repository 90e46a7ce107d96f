package main

import (
	"context"
	"testing"

	"github.com/basket/sprintloop/internal/config"
	"github.com/basket/sprintloop/internal/eventlog"
	"github.com/basket/sprintloop/internal/orchestrator"
	"github.com/basket/sprintloop/internal/task"
)

func TestRunReplayCommand_EmptyLog(t *testing.T) {
	t.Setenv("SPRINTLOOP_HOME", t.TempDir())
	if code := runReplayCommand(context.Background(), nil); code != 0 {
		t.Fatalf("replay exit code = %d, want 0", code)
	}
}

func TestRunReplayCommand_PrintsRecordedHistory(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SPRINTLOOP_HOME", home)
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	store, err := eventlog.Open(ctx, cfg.EventLogPath())
	if err != nil {
		t.Fatalf("open event log: %v", err)
	}
	orch := orchestrator.New(orchestrator.Config{
		Log:    store,
		Policy: task.RetryPolicy{MaxAttempts: 1},
	})
	id, err := orch.Submit(ctx, task.KindPlan, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h, err := orch.BeginExecution(ctx, id)
	if err != nil {
		t.Fatalf("begin execution: %v", err)
	}
	if err := h.Complete(ctx, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	seedSession := store.Session()
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	if code := runReplayCommand(ctx, nil); code != 0 {
		t.Fatalf("replay exit code = %d, want 0", code)
	}
	if code := runReplayCommand(ctx, []string{"-json"}); code != 0 {
		t.Fatalf("replay -json exit code = %d, want 0", code)
	}

	// Replay is an inspection command; the recorded history must still
	// belong entirely to the seed session afterwards.
	ro, err := eventlog.OpenReadOnly(ctx, cfg.EventLogPath())
	if err != nil {
		t.Fatalf("reopen event log: %v", err)
	}
	defer ro.Close()
	all, err := ro.ReadAll(ctx)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	for _, ev := range all {
		if ev.SessionID != seedSession {
			t.Fatalf("event %d session = %q, want %q (replay must not open sessions)", ev.EventID, ev.SessionID, seedSession)
		}
	}
}

func TestRunReplayCommand_RejectsPositionalArgs(t *testing.T) {
	t.Setenv("SPRINTLOOP_HOME", t.TempDir())
	if code := runReplayCommand(context.Background(), []string{"extra"}); code != 2 {
		t.Fatalf("replay exit code = %d, want 2", code)
	}
}
