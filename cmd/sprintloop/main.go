package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/sprintloop/internal/actuator"
	"github.com/basket/sprintloop/internal/bus"
	"github.com/basket/sprintloop/internal/config"
	"github.com/basket/sprintloop/internal/eventlog"
	"github.com/basket/sprintloop/internal/orchestrator"
	otelPkg "github.com/basket/sprintloop/internal/otel"
	"github.com/basket/sprintloop/internal/progress"
	"github.com/basket/sprintloop/internal/provider"
	"github.com/basket/sprintloop/internal/sched"
	"github.com/basket/sprintloop/internal/task"
	"github.com/basket/sprintloop/internal/telemetry"
	"github.com/basket/sprintloop/internal/workflow"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s run <sprint-file>        Execute a full PLAN, EDIT, REVIEW pass
  %s plan <sprint-file>       Generate and persist the plan only
  %s status                   Show the latest progress record and provider stats
  %s replay                   Rebuild task state from the event log and print it

FLAGS (run/plan):
  -offline                    Fail provider calls fast and plan locally

ENVIRONMENT VARIABLES:
  SPRINTLOOP_HOME             Data directory (default: ~/.sprintloop)
  SPRINTLOOP_WORKSPACE        Workspace root the actuator is confined to
  SPRINTLOOP_OFFLINE          Set to 1 to start in offline mode
  ANTHROPIC_API_KEY           Key for the anthropic provider
  OPENROUTER_API_KEY          Key for the openrouter provider
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "run":
		os.Exit(runSprintCommand(ctx, args[1:], false))
	case "plan":
		os.Exit(runSprintCommand(ctx, args[1:], true))
	case "status":
		os.Exit(runStatusCommand(ctx, args[1:]))
	case "replay":
		os.Exit(runReplayCommand(ctx, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func runSprintCommand(ctx context.Context, args []string, planOnly bool) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	offline := fs.Bool("offline", false, "fail provider calls fast and plan locally")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: sprintloop run [-offline] <sprint-file>")
		return 2
	}
	sprintPath := fs.Arg(0)
	body, err := os.ReadFile(sprintPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read sprint file: %v\n", err)
		return 1
	}
	sprintRef := filepath.Base(sprintPath)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if *offline {
		cfg.Offline = true
	}

	// Quiet logs (file-only) on a terminal so the progress lines stay clean.
	quietLogs := isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup", "version", Version, "config_fingerprint", cfg.Fingerprint(), "offline", cfg.Offline)

	for _, dir := range []string{cfg.WorkspaceDir, cfg.PlansDir(), cfg.ReviewsDir(), cfg.BackupsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("create directory", "dir", dir, "error", err)
			return 1
		}
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.Otel.Enabled,
		Exporter: cfg.Otel.Exporter,
		Endpoint: cfg.Otel.Endpoint,
	})
	if err != nil {
		logger.Error("otel init", "error", err)
		return 1
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Error("otel metrics init", "error", err)
		return 1
	}
	go otelPkg.NewObserver(metrics).Run(ctx, eventBus)

	store, err := eventlog.Open(ctx, cfg.EventLogPath())
	if err != nil {
		logger.Error("event log open", "error", err)
		return 1
	}
	defer store.Close()

	ctx, sessionSpan := otelPkg.StartSpan(ctx, otelProvider.Tracer, "sprintloop.session",
		otelPkg.AttrSessionID.String(store.Session()))
	defer sessionSpan.End()

	orch := orchestrator.New(orchestrator.Config{
		Log:           store,
		Policy:        cfg.RetryPolicy(),
		Bus:           eventBus,
		Logger:        logger,
		MaxConcurrent: cfg.MaxConcurrent,
	})
	if err := orch.Restore(ctx); err != nil {
		logger.Error("restore task state", "error", err)
		return 1
	}
	// Tasks stranded in EXECUTING by a crashed session cannot be resumed
	// mid-call; cancel them so the history stays terminal.
	for _, t := range orch.Interrupted() {
		logger.Warn("cancelling interrupted task", "task_id", t.ID, "kind", t.Kind)
		if err := orch.Cancel(ctx, t.ID, "interrupted by restart"); err != nil {
			logger.Warn("cancel interrupted task", "task_id", t.ID, "error", err)
		}
	}

	decisions, err := provider.OpenDecisionLog(cfg.RoutingLogPath())
	if err != nil {
		logger.Error("open routing log", "error", err)
		return 1
	}
	defer decisions.Close()

	router := provider.NewRouter(provider.RouterConfig{
		Routes:           buildRoutes(cfg.Routing),
		Default:          buildRoute(cfg.DefaultRoute),
		CallTimeout:      cfg.CallTimeout(),
		BreakerThreshold: cfg.FailoverThreshold,
		BreakerCooldown:  cfg.FailoverCooldown(),
		Offline:          cfg.Offline,
		Decisions:        decisions,
		Bus:              eventBus,
		Logger:           logger,
		Tracer:           otelProvider.Tracer,
	}, buildProviders(cfg, logger)...)

	act, err := actuator.NewFileActuator(cfg.WorkspaceDir, cfg.BackupsDir(), logger)
	if err != nil {
		logger.Error("actuator init", "error", err)
		return 1
	}

	mgr := workflow.NewManager(workflow.Config{
		Orchestrator: orch,
		Router:       router,
		Actuator:     act,
		Evidence: &workflow.CommandEvidence{
			Dir:     cfg.WorkspaceDir,
			DiffCmd: cfg.Evidence.DiffCmd,
			TestCmd: cfg.Evidence.TestCmd,
			LintCmd: cfg.Evidence.LintCmd,
		},
		Bus:       eventBus,
		Logger:    logger,
		Tracer:    otelProvider.Tracer,
		PlanDir:   cfg.PlansDir(),
		ReviewDir: cfg.ReviewsDir(),
	})

	tracker := progress.NewTracker(progress.NewWriter(cfg.ProgressPath()), mgr, logger)
	go tracker.Run(ctx, eventBus)

	if cfg.Scheduler.Enabled {
		scheduler := sched.NewScheduler(sched.Config{
			Orchestrator: orch,
			Runner:       sched.RunnerFunc(statusRefresh(orch)),
			CronExpr:     cfg.Scheduler.CronExpr,
			Logger:       logger,
		})
		if err := scheduler.Start(ctx); err != nil {
			logger.Error("scheduler start", "error", err)
			return 1
		}
		defer scheduler.Stop()
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher start failed; hot-reload disabled", "error", err)
	} else {
		go func() {
			for ev := range confWatcher.Events() {
				if filepath.Base(ev.Path) != "config.yaml" {
					continue
				}
				newCfg, err := config.LoadFrom(cfg.HomeDir)
				if err != nil {
					logger.Error("config.yaml reload failed", "error", err)
					continue
				}
				router.SetOffline(newCfg.Offline)
				logger.Info("config.yaml hot-reloaded",
					"config_fingerprint", newCfg.Fingerprint(),
					"offline", newCfg.Offline)
			}
		}()
	}

	var run *workflow.Run
	if planOnly {
		run, err = mgr.Plan(ctx, sprintRef, string(body))
	} else {
		run, err = mgr.Execute(ctx, sprintRef, string(body))
	}
	if err != nil {
		logger.Error("sprint run failed", "error", err)
		if run != nil && run.Blocker != "" {
			fmt.Fprintf(os.Stderr, "run %s blocked: %s\n", run.ID, run.Blocker)
		} else {
			fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		}
		return 1
	}

	switch run.Phase {
	case workflow.PhaseBlocked:
		fmt.Printf("run %s blocked: %s\n", run.ID, run.Blocker)
		return 1
	case workflow.PhaseDone:
		tested := "tests failing"
		if run.Tested() {
			tested = "tests passing"
		}
		fmt.Printf("run %s done: %d edits applied, review %s (score %d, %s)\n",
			run.ID, len(run.Applied), run.Review.Recommendation, run.Review.Score, tested)
	default:
		count := 0
		source := ""
		if run.Plan != nil {
			count = len(run.Plan.Tasks)
			source = run.Plan.SourceProvider
		}
		fmt.Printf("run %s planned: %d tasks (source %s)\n", run.ID, count, source)
	}
	return 0
}

// statusRefresh summarizes orchestrator state for a scheduled STATUS task.
func statusRefresh(orch *orchestrator.Orchestrator) func(ctx context.Context, taskID string) (json.RawMessage, error) {
	return func(ctx context.Context, taskID string) (json.RawMessage, error) {
		counts := make(map[string]int)
		for _, t := range orch.List() {
			counts[string(t.State)]++
		}
		return json.Marshal(map[string]any{
			"task_states":  counts,
			"refreshed_at": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func buildRoute(rc config.RouteConfig) provider.Route {
	return provider.Route{
		Preferred:   rc.Preferred,
		Fallbacks:   rc.Fallbacks,
		Temperature: rc.Temperature,
	}
}

func buildRoutes(routing map[string]config.RouteConfig) map[task.Kind]provider.Route {
	routes := make(map[task.Kind]provider.Route, len(routing))
	for kind, rc := range routing {
		routes[task.Kind(kind)] = buildRoute(rc)
	}
	return routes
}

func buildProviders(cfg config.Config, logger *slog.Logger) []provider.Provider {
	var out []provider.Provider
	for name, pc := range cfg.Providers {
		key := cfg.ProviderAPIKey(name)
		if key == "" {
			logger.Warn("provider has no API key; calls to it will fail", "provider", name)
		}
		switch name {
		case "anthropic":
			out = append(out, provider.NewAnthropic(key, pc.Model, pc.MaxTokens))
		case "openrouter":
			out = append(out, provider.NewOpenRouter(key, pc.Model, pc.MaxTokens))
		default:
			logger.Warn("unknown provider in config, skipping", "provider", name)
		}
	}
	return out
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
