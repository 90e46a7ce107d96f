// Package provider routes language-model calls across configured providers
// with per-kind preferences, ordered fallback, and circuit breakers. Every
// attempt is recorded as a routing decision for audit; routing never holds
// state authority.
package provider

import (
	"context"
	"time"

	"github.com/basket/sprintloop/internal/task"
)

// Request is one language-model call on behalf of a task.
type Request struct {
	TaskID      string
	Kind        task.Kind
	System      string
	Prompt      string
	Temperature float64
}

// Response is the routed result.
type Response struct {
	Provider   string
	Content    string
	Latency    time.Duration
	TokensUsed int64
	// CostUSD is a rough estimate from provider token pricing; it exists for
	// the routing log, not billing.
	CostUSD float64
}

// Provider is the external language-model capability boundary. Generate
// blocks until the provider answers, fails, or ctx expires.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (Response, error)
}
