package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/sprintloop/internal/config"
	"github.com/basket/sprintloop/internal/eventlog"
	"github.com/basket/sprintloop/internal/orchestrator"
	"github.com/basket/sprintloop/internal/task"
)

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	content := "# comment\nSPRINTLOOP_TEST_KEY=from-file\nSPRINTLOOP_TEST_SET=overridden\n\n=novalue\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SPRINTLOOP_TEST_KEY", "")
	os.Unsetenv("SPRINTLOOP_TEST_KEY")
	t.Setenv("SPRINTLOOP_TEST_SET", "from-env")

	loadDotEnv(envPath)

	if got := os.Getenv("SPRINTLOOP_TEST_KEY"); got != "from-file" {
		t.Fatalf("SPRINTLOOP_TEST_KEY = %q, want %q", got, "from-file")
	}
	// Existing env vars win over the file.
	if got := os.Getenv("SPRINTLOOP_TEST_SET"); got != "from-env" {
		t.Fatalf("SPRINTLOOP_TEST_SET = %q, want %q", got, "from-env")
	}
}

func TestLoadDotEnv_MissingFileIsNoop(t *testing.T) {
	loadDotEnv(filepath.Join(t.TempDir(), "absent.env"))
}

func TestBuildRoutes(t *testing.T) {
	routes := buildRoutes(map[string]config.RouteConfig{
		"PLAN":   {Preferred: "anthropic", Fallbacks: []string{"openrouter"}, Temperature: 0.7},
		"REVIEW": {Preferred: "openrouter", Temperature: 0.2},
	})
	if len(routes) != 2 {
		t.Fatalf("routes = %d entries, want 2", len(routes))
	}
	plan := routes[task.KindPlan]
	if plan.Preferred != "anthropic" {
		t.Fatalf("plan preferred = %q, want %q", plan.Preferred, "anthropic")
	}
	if len(plan.Fallbacks) != 1 || plan.Fallbacks[0] != "openrouter" {
		t.Fatalf("plan fallbacks = %v, want [openrouter]", plan.Fallbacks)
	}
	if routes[task.KindReview].Temperature != 0.2 {
		t.Fatalf("review temperature = %v, want 0.2", routes[task.KindReview].Temperature)
	}
}

func TestBuildProviders_SkipsUnknownNames(t *testing.T) {
	cfg := config.Config{
		Providers: map[string]config.ProviderConfig{
			"anthropic":  {Model: "claude-sonnet-4"},
			"openrouter": {},
			"mystery":    {},
		},
	}
	provs := buildProviders(cfg, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if len(provs) != 2 {
		t.Fatalf("providers = %d, want 2", len(provs))
	}
	names := map[string]bool{}
	for _, p := range provs {
		names[p.Name()] = true
	}
	if !names["anthropic"] || !names["openrouter"] {
		t.Fatalf("provider names = %v, want anthropic and openrouter", names)
	}
}

func TestStatusRefresh_SummarizesTaskStates(t *testing.T) {
	ctx := context.Background()
	orch := orchestrator.New(orchestrator.Config{
		Log:    eventlog.NewMemory("session-1"),
		Policy: task.RetryPolicy{MaxAttempts: 1},
	})
	if _, err := orch.Submit(ctx, task.KindPlan, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := orch.Submit(ctx, task.KindEdit, nil); err != nil {
		t.Fatal(err)
	}

	raw, err := statusRefresh(orch)(ctx, "status-task")
	if err != nil {
		t.Fatalf("statusRefresh: %v", err)
	}
	var got struct {
		TaskStates  map[string]int `json:"task_states"`
		RefreshedAt string         `json:"refreshed_at"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got.TaskStates["PENDING"] != 2 {
		t.Fatalf("pending count = %d, want 2", got.TaskStates["PENDING"])
	}
	if got.RefreshedAt == "" {
		t.Fatal("expected refreshed_at to be set")
	}
}
