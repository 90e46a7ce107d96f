package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/sprintloop/internal/bus"
	otelPkg "github.com/basket/sprintloop/internal/otel"
	"github.com/basket/sprintloop/internal/task"
)

// Routing decision outcomes. Failed attempts record the classified error
// kind instead.
const (
	OutcomeSuccess = "success"
	OutcomeOffline = "offline"
	OutcomeTripped = "breaker_open"
)

// Route is the per-kind provider preference. Fallbacks are tried in order
// after the preferred provider fails with a retriable error.
type Route struct {
	Preferred   string
	Fallbacks   []string
	Temperature float64
}

// RouterConfig wires a Router. Zero values fall back to safe defaults.
type RouterConfig struct {
	Routes           map[task.Kind]Route
	Default          Route
	CallTimeout      time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	Offline          bool
	Decisions        *DecisionLog
	Bus              *bus.Bus
	Logger           *slog.Logger
	Tracer           trace.Tracer
	Now              func() time.Time
}

// Router selects a provider per request kind and fails over in configured
// order. It is safe for concurrent use.
type Router struct {
	mu        sync.Mutex
	providers map[string]Provider
	breakers  map[string]*breaker
	cfg       RouterConfig
	decisions *DecisionLog
	bus       *bus.Bus
	logger    *slog.Logger
	tracer    trace.Tracer
	offline   bool
	now       func() time.Time
}

func NewRouter(cfg RouterConfig, providers ...Provider) *Router {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 120 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	r := &Router{
		providers: make(map[string]Provider, len(providers)),
		breakers:  make(map[string]*breaker, len(providers)),
		cfg:       cfg,
		decisions: cfg.Decisions,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
		tracer:    cfg.Tracer,
		offline:   cfg.Offline,
		now:       cfg.Now,
	}
	for _, p := range providers {
		r.providers[p.Name()] = p
		r.breakers[p.Name()] = newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, cfg.Now)
	}
	return r
}

// SetOffline toggles offline mode. While offline every Generate call fails
// fast with UNAVAILABLE so callers can take their deterministic fallback
// path without waiting on network timeouts.
func (r *Router) SetOffline(offline bool) {
	r.mu.Lock()
	r.offline = offline
	r.mu.Unlock()
}

func (r *Router) Offline() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offline
}

// RouteFor returns the candidate provider order for a task kind.
func (r *Router) RouteFor(kind task.Kind) Route {
	if rt, ok := r.cfg.Routes[kind]; ok {
		return rt
	}
	return r.cfg.Default
}

// Generate routes the request to the preferred provider for its kind,
// failing over through the fallback order on retriable errors. Auth errors
// surface immediately; failover would retry them against the same
// credentials. Permanent provider order lives in config, never in state.
func (r *Router) Generate(ctx context.Context, req Request) (Response, error) {
	rt := r.RouteFor(req.Kind)
	if req.Temperature == 0 {
		req.Temperature = rt.Temperature
	}

	if r.Offline() {
		r.record(RoutingDecision{
			Timestamp: r.now().UTC(),
			TaskID:    req.TaskID,
			Kind:      string(req.Kind),
			Provider:  OutcomeOffline,
			Attempt:   0,
			Outcome:   OutcomeOffline,
		})
		return Response{}, task.NewError(task.ErrorKindUnavailable, "offline mode: no provider calls permitted")
	}

	candidates := append([]string{rt.Preferred}, rt.Fallbacks...)
	var lastErr error
	attempt := 0
	for _, name := range candidates {
		p, ok := r.providers[name]
		if !ok {
			continue
		}
		attempt++
		br := r.breakers[name]
		if !br.Allow() {
			r.record(RoutingDecision{
				Timestamp: r.now().UTC(),
				TaskID:    req.TaskID,
				Kind:      string(req.Kind),
				Provider:  name,
				Attempt:   attempt,
				Outcome:   OutcomeTripped,
			})
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		callCtx, span := otelPkg.StartClientSpan(callCtx, r.tracer, "provider.generate",
			otelPkg.AttrTaskID.String(req.TaskID),
			otelPkg.AttrTaskKind.String(string(req.Kind)),
			otelPkg.AttrProvider.String(name),
			otelPkg.AttrAttempt.Int(attempt))
		start := r.now()
		resp, err := p.Generate(callCtx, req)
		cancel()
		latency := r.now().Sub(start)

		if err == nil {
			span.SetAttributes(otelPkg.AttrTokens.Int64(resp.TokensUsed))
			span.End()
			br.Success()
			resp.Provider = name
			if resp.Latency == 0 {
				resp.Latency = latency
			}
			r.record(RoutingDecision{
				Timestamp: r.now().UTC(),
				TaskID:    req.TaskID,
				Kind:      string(req.Kind),
				Provider:  name,
				Attempt:   attempt,
				Outcome:   OutcomeSuccess,
				LatencyMs: resp.Latency.Milliseconds(),
				Tokens:    resp.TokensUsed,
				CostUSD:   resp.CostUSD,
			})
			r.publish(req, name, attempt, OutcomeSuccess, resp.Latency, resp.TokensUsed)
			return resp, nil
		}

		kind := task.Classify(err)
		if kind == task.ErrorKindUnknown && callCtx.Err() == context.DeadlineExceeded {
			kind = task.ErrorKindTimeout
			err = task.WrapError(task.ErrorKindTimeout, fmt.Sprintf("provider %s call deadline exceeded", name), err)
		}
		span.SetAttributes(otelPkg.AttrErrorKind.String(string(kind)))
		span.RecordError(err)
		span.End()
		br.Failure()
		r.record(RoutingDecision{
			Timestamp: r.now().UTC(),
			TaskID:    req.TaskID,
			Kind:      string(req.Kind),
			Provider:  name,
			Attempt:   attempt,
			Outcome:   string(kind),
			LatencyMs: latency.Milliseconds(),
			Error:     err.Error(),
		})
		r.publish(req, name, attempt, string(kind), latency, 0)
		r.logger.Warn("provider call failed",
			"provider", name,
			"task_id", req.TaskID,
			"kind", req.Kind,
			"error_kind", kind,
			"attempt", attempt)
		lastErr = err

		switch kind {
		case task.ErrorKindTimeout, task.ErrorKindRateLimited, task.ErrorKindUnavailable, task.ErrorKindUnknown:
			continue
		default:
			return Response{}, err
		}
	}

	if lastErr != nil {
		return Response{}, task.WrapError(task.ErrorKindUnavailable, "all providers failed", lastErr)
	}
	return Response{}, task.NewError(task.ErrorKindUnavailable, fmt.Sprintf("no provider configured for kind %s", req.Kind))
}

func (r *Router) record(d RoutingDecision) {
	if r.decisions == nil {
		return
	}
	if err := r.decisions.Record(d); err != nil {
		r.logger.Warn("routing decision not recorded", "error", err)
	}
}

func (r *Router) publish(req Request, provider string, attempt int, outcome string, latency time.Duration, tokens int64) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(bus.TopicProviderAttempt, bus.ProviderAttemptEvent{
		TaskID:    req.TaskID,
		Kind:      string(req.Kind),
		Provider:  provider,
		Attempt:   attempt,
		Outcome:   outcome,
		LatencyMs: latency.Milliseconds(),
		Tokens:    tokens,
	})
}
