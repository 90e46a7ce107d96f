package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/sprintloop/internal/actuator"
	"github.com/basket/sprintloop/internal/bus"
	"github.com/basket/sprintloop/internal/orchestrator"
	otelPkg "github.com/basket/sprintloop/internal/otel"
	"github.com/basket/sprintloop/internal/provider"
	"github.com/basket/sprintloop/internal/task"
)

// Generator is the language-model capability the pipeline consumes.
type Generator interface {
	Generate(ctx context.Context, req provider.Request) (provider.Response, error)
}

// Config wires a Manager.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Router       Generator
	Actuator     actuator.Actuator
	Evidence     EvidenceCollector
	Bus          *bus.Bus
	Logger       *slog.Logger
	Tracer       trace.Tracer
	PlanDir      string
	ReviewDir    string
	Now          func() time.Time
	// Sleep waits out a retry backoff; tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Manager drives workflow runs through the phase machine. Tasks are executed
// through the orchestrator so every attempt, retry, and exhaustion lands in
// the event log; the manager only sees a task again once it is COMPLETED or
// FAILED_EXHAUSTED.
type Manager struct {
	orch     *orchestrator.Orchestrator
	router   Generator
	actuator actuator.Actuator
	evidence EvidenceCollector
	bus      *bus.Bus
	logger   *slog.Logger
	tracer   trace.Tracer
	planDir  string
	revDir   string
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	runs map[string]*Run
}

func NewManager(cfg Config) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = func(ctx context.Context, d time.Duration) error {
			if d <= 0 {
				return ctx.Err()
			}
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	return &Manager{
		orch:     cfg.Orchestrator,
		router:   cfg.Router,
		actuator: cfg.Actuator,
		evidence: cfg.Evidence,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
		tracer:   cfg.Tracer,
		planDir:  cfg.PlanDir,
		revDir:   cfg.ReviewDir,
		now:      cfg.Now,
		sleep:    cfg.Sleep,
		runs:     make(map[string]*Run),
	}
}

// Get returns a snapshot of a run.
func (m *Manager) Get(runID string) (*Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// Execute drives one full PLAN, EDIT, REVIEW pass for a sprint. The returned
// run is terminal: DONE, or BLOCKED with a blocker naming the failing task.
func (m *Manager) Execute(ctx context.Context, sprintRef, sprintBody string) (*Run, error) {
	run, err := m.plan(ctx, sprintRef, sprintBody)
	if err != nil || run.Phase.Terminal() {
		return run, err
	}
	if err := m.edit(ctx, run); err != nil || run.Phase.Terminal() {
		return run, err
	}
	if err := m.review(ctx, run); err != nil {
		return run, err
	}
	return run, nil
}

// Plan runs only the planning phase and returns the run with its plan
// document persisted.
func (m *Manager) Plan(ctx context.Context, sprintRef, sprintBody string) (*Run, error) {
	return m.plan(ctx, sprintRef, sprintBody)
}

func (m *Manager) newRun(sprintRef string) *Run {
	run := &Run{
		ID:        uuid.NewString(),
		SprintRef: sprintRef,
		Phase:     PhasePlanning,
		StartedAt: m.now().UTC(),
		UpdatedAt: m.now().UTC(),
	}
	m.mu.Lock()
	m.runs[run.ID] = run
	m.mu.Unlock()
	m.publishPhase(run, "", PhasePlanning)
	return run
}

func (m *Manager) plan(ctx context.Context, sprintRef, sprintBody string) (*Run, error) {
	run := m.newRun(sprintRef)
	ctx, span := otelPkg.StartSpan(ctx, m.tracer, "workflow.plan",
		otelPkg.AttrRunID.String(run.ID),
		otelPkg.AttrPhase.String(string(PhasePlanning)))
	defer span.End()
	payload, err := json.Marshal(map[string]string{"sprint_ref": sprintRef})
	if err != nil {
		return run, fmt.Errorf("marshal plan payload: %w", err)
	}

	var doc *PlanDocument
	id, outcome, err := m.runTask(ctx, task.KindPlan, payload, func(ctx context.Context, taskID string) (json.RawMessage, error) {
		resp, err := m.router.Generate(ctx, provider.Request{
			TaskID: taskID,
			Kind:   task.KindPlan,
			System: planSystemPrompt,
			Prompt: planPrompt(sprintRef, sprintBody),
		})
		if err != nil {
			return nil, err
		}
		parsed, err := ParsePlan(resp.Content, resp.Provider, m.now())
		if err != nil {
			return nil, err
		}
		doc = parsed
		return json.Marshal(parsed)
	})
	m.mutate(run, func(r *Run) { r.PlanTaskID = id })
	if err != nil {
		span.RecordError(err)
		m.block(run, blocker(id, task.KindPlan, outcome, err))
		return run, err
	}
	if outcome != nil {
		// Forward progress under provider failure: plan locally instead of
		// blocking the run.
		m.logger.Warn("plan task exhausted, synthesizing fallback plan",
			"run_id", run.ID,
			"task_id", id,
			"error_kind", outcome.ErrorKind,
			"attempts", outcome.Attempt)
		doc = FallbackPlan(sprintRef, m.now())
	}
	m.mutate(run, func(r *Run) { r.Plan = doc })

	if m.planDir != "" {
		path, err := WritePlan(m.planDir, run.ID, doc)
		if err != nil {
			return run, err
		}
		m.logger.Info("plan written", "run_id", run.ID, "path", path, "source_provider", doc.SourceProvider)
	}
	m.transition(run, PhaseEditing, "")
	return run, nil
}

func (m *Manager) edit(ctx context.Context, run *Run) error {
	ctx, span := otelPkg.StartSpan(ctx, m.tracer, "workflow.edit",
		otelPkg.AttrRunID.String(run.ID),
		otelPkg.AttrPhase.String(string(PhaseEditing)))
	defer span.End()

	// Edits run sequentially within a run so two instructions never race on
	// the same resource. Plan task ids seen once are not re-dispatched.
	dispatched := make(map[string]bool)
	for _, pt := range run.Plan.Tasks {
		if pt.Instruction == nil || dispatched[pt.ID] {
			continue
		}
		dispatched[pt.ID] = true
		in := *pt.Instruction
		span.SetAttributes(otelPkg.AttrResource.String(in.ResourceID))

		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal edit payload: %w", err)
		}
		var applied actuator.ApplyResult
		id, outcome, err := m.runTask(ctx, task.KindEdit, payload, func(ctx context.Context, taskID string) (json.RawMessage, error) {
			res, err := m.actuator.Apply(ctx, in)
			if err != nil {
				return nil, err
			}
			applied = res
			return json.Marshal(res)
		})
		m.mutate(run, func(r *Run) { r.EditTaskIDs = append(r.EditTaskIDs, id) })
		if err != nil {
			span.RecordError(err)
			m.block(run, blocker(id, task.KindEdit, outcome, err))
			return err
		}
		if outcome != nil {
			m.block(run, blocker(id, task.KindEdit, outcome, nil))
			return nil
		}
		m.mutate(run, func(r *Run) { r.Applied = append(r.Applied, applied) })
	}
	m.transition(run, PhaseReviewing, "")
	return nil
}

func (m *Manager) review(ctx context.Context, run *Run) error {
	ctx, span := otelPkg.StartSpan(ctx, m.tracer, "workflow.review",
		otelPkg.AttrRunID.String(run.ID),
		otelPkg.AttrPhase.String(string(PhaseReviewing)))
	defer span.End()

	var ev Evidence
	if m.evidence != nil {
		collected, err := m.evidence.Collect(ctx)
		if err != nil {
			m.logger.Warn("review evidence incomplete", "run_id", run.ID, "error", err)
		} else {
			ev = collected
		}
	}

	payload, err := json.Marshal(map[string]string{"sprint_ref": run.SprintRef})
	if err != nil {
		return fmt.Errorf("marshal review payload: %w", err)
	}
	var doc *ReviewDocument
	id, outcome, err := m.runTask(ctx, task.KindReview, payload, func(ctx context.Context, taskID string) (json.RawMessage, error) {
		resp, err := m.router.Generate(ctx, provider.Request{
			TaskID: taskID,
			Kind:   task.KindReview,
			System: reviewSystemPrompt,
			Prompt: reviewPrompt(run, ev),
		})
		if err != nil {
			return nil, err
		}
		parsed, err := ParseReview(resp.Content, resp.Provider)
		if err != nil {
			return nil, err
		}
		parsed.TestsPassed = ev.TestsPassed
		doc = parsed
		return json.Marshal(parsed)
	})
	m.mutate(run, func(r *Run) { r.ReviewTaskID = id })
	if err != nil {
		span.RecordError(err)
		m.block(run, blocker(id, task.KindReview, outcome, err))
		return err
	}
	if outcome != nil {
		m.block(run, blocker(id, task.KindReview, outcome, nil))
		return nil
	}
	m.mutate(run, func(r *Run) { r.Review = doc })

	if m.revDir != "" {
		path, err := WriteReview(m.revDir, run.ID, doc)
		if err != nil {
			return err
		}
		m.logger.Info("review written", "run_id", run.ID, "path", path, "recommendation", doc.Recommendation)
	}
	m.transition(run, PhaseDone, "")
	return nil
}

// runTask drives one task to a terminal orchestrator state. It returns the
// task id, a non-nil outcome when the task exhausted its retries, and an
// error only for infrastructure failures (cancelled run, failed append).
func (m *Manager) runTask(ctx context.Context, kind task.Kind, payload json.RawMessage, exec func(ctx context.Context, taskID string) (json.RawMessage, error)) (string, *orchestrator.FailOutcome, error) {
	id, err := m.orch.Submit(ctx, kind, payload)
	if err != nil {
		return "", nil, err
	}
	for {
		h, err := m.orch.BeginExecution(ctx, id)
		if err != nil {
			return id, nil, err
		}
		result, execErr := exec(ctx, id)
		if execErr == nil {
			if err := h.Complete(ctx, result); err != nil {
				return id, nil, err
			}
			return id, nil, nil
		}
		if task.Classify(execErr) == task.ErrorKindCancelled {
			// The run was cancelled mid-execution. The task was interrupted,
			// not failed, so record CANCELLED instead of consuming a retry.
			cancelCtx := context.WithoutCancel(ctx)
			if cerr := m.orch.Cancel(cancelCtx, id, "run cancelled during execution"); cerr != nil {
				m.logger.Warn("cancel executing task failed", "task_id", id, "error", cerr)
			}
			return id, nil, execErr
		}
		outcome, err := h.Fail(ctx, execErr)
		if err != nil {
			return id, nil, err
		}
		if outcome.State == task.StateExhausted {
			return id, &outcome, nil
		}
		if err := m.sleep(ctx, outcome.Backoff); err != nil {
			// The run was cancelled while waiting out the backoff; the task
			// is PENDING, so record the cancellation before giving up.
			cancelCtx := context.WithoutCancel(ctx)
			if cerr := m.orch.Cancel(cancelCtx, id, "run cancelled during retry wait"); cerr != nil {
				m.logger.Warn("cancel pending task failed", "task_id", id, "error", cerr)
			}
			return id, nil, err
		}
	}
}

func blocker(id string, kind task.Kind, outcome *orchestrator.FailOutcome, err error) string {
	if outcome != nil {
		return fmt.Sprintf("%s task %s failed after %d attempts: %s", kind, id, outcome.Attempt, outcome.ErrorKind)
	}
	if err != nil {
		return fmt.Sprintf("%s task %s aborted: %v", kind, id, err)
	}
	return fmt.Sprintf("%s task %s failed", kind, id)
}

func (m *Manager) block(run *Run, reason string) {
	m.transition(run, PhaseBlocked, reason)
}

// mutate writes run fields under the manager lock so Get's snapshot copy
// never observes a torn run.
func (m *Manager) mutate(run *Run, fn func(*Run)) {
	m.mu.Lock()
	fn(run)
	m.mu.Unlock()
}

func (m *Manager) transition(run *Run, to Phase, blocker string) {
	from := run.Phase
	if from == to {
		return
	}
	if !phaseAllowed(from, to) {
		m.logger.Error("phase transition rejected", "run_id", run.ID, "from", from, "to", to)
		return
	}
	m.mu.Lock()
	run.Phase = to
	run.Blocker = blocker
	run.UpdatedAt = m.now().UTC()
	m.mu.Unlock()

	if to == PhaseBlocked {
		m.logger.Error("run blocked", "run_id", run.ID, "phase_from", from, "blocker", blocker)
	} else {
		m.logger.Info("run phase", "run_id", run.ID, "from", from, "to", to)
	}
	m.publishPhase(run, from, to)
}

func (m *Manager) publishPhase(run *Run, from, to Phase) {
	if m.bus == nil {
		return
	}
	ev := bus.RunPhaseEvent{RunID: run.ID, FromPhase: string(from), ToPhase: string(to), Blocker: run.Blocker}
	m.bus.Publish(bus.TopicRunPhase, ev)
	switch to {
	case PhaseDone:
		m.bus.Publish(bus.TopicRunDone, ev)
	case PhaseBlocked:
		m.bus.Publish(bus.TopicRunBlocked, ev)
	}
}

const planSystemPrompt = "You are a sprint planner. Derive a small set of concrete, ordered tasks from the sprint description. Output only a JSON object matching {\"tasks\": [{\"id\", \"description\", \"priority\", \"dependencies\", \"estimate\", \"instruction\"?}]}. An instruction, when present, is {\"resource_id\", \"op\": \"insert\"|\"replace\"|\"append\", \"anchor\"?, \"content\"} applied to a workspace file."

const reviewSystemPrompt = "You are a code reviewer. Given a plan, its applied edits, and collected evidence, respond with only a JSON object {\"score\": 0-100, \"findings\": [..], \"recommendation\": \"approve\"|\"changes-requested\"|\"blocked\"}."

func planPrompt(sprintRef, sprintBody string) string {
	if sprintBody == "" {
		return fmt.Sprintf("Plan the sprint %q.", sprintRef)
	}
	return fmt.Sprintf("Plan the sprint %q.\n\nSprint description:\n%s", sprintRef, sprintBody)
}
