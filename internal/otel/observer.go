package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/sprintloop/internal/bus"
	"github.com/basket/sprintloop/internal/task"
)

// Observer feeds bus events into the metric instruments. It tracks task
// begin times in memory so durations survive only for the current process,
// which is all metrics need.
type Observer struct {
	metrics *Metrics
	begun   map[string]time.Time
	now     func() time.Time
}

func NewObserver(m *Metrics) *Observer {
	return &Observer{metrics: m, begun: make(map[string]time.Time), now: time.Now}
}

// Run consumes bus events until ctx is done.
func (o *Observer) Run(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			o.observe(ctx, ev)
		}
	}
}

func (o *Observer) observe(ctx context.Context, ev bus.Event) {
	switch ev.Topic {
	case bus.TopicTaskTransition:
		t, ok := ev.Payload.(bus.TaskTransitionEvent)
		if !ok {
			return
		}
		kindAttr := metric.WithAttributes(attribute.String("kind", t.Kind))
		if t.ToState == string(task.StateExecuting) {
			o.metrics.TasksExecuting.Add(ctx, 1, kindAttr)
			o.begun[t.TaskID] = o.now()
			return
		}
		if t.FromState == string(task.StateExecuting) {
			o.metrics.TasksExecuting.Add(ctx, -1, kindAttr)
			if begun, ok := o.begun[t.TaskID]; ok {
				o.metrics.TaskDuration.Record(ctx, o.now().Sub(begun).Seconds(), kindAttr)
				delete(o.begun, t.TaskID)
			}
		}
	case bus.TopicTaskRetrying:
		if t, ok := ev.Payload.(bus.TaskTransitionEvent); ok {
			o.metrics.TaskRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", t.Kind)))
		}
	case bus.TopicTaskExhausted:
		if t, ok := ev.Payload.(bus.TaskTransitionEvent); ok {
			o.metrics.TasksExhausted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", t.Kind)))
		}
	case bus.TopicTaskCompleted:
		if t, ok := ev.Payload.(bus.TaskTransitionEvent); ok && t.Kind == string(task.KindEdit) {
			o.metrics.EditsApplied.Add(ctx, 1)
		}
	case bus.TopicProviderAttempt:
		p, ok := ev.Payload.(bus.ProviderAttemptEvent)
		if !ok {
			return
		}
		attrs := metric.WithAttributes(
			attribute.String("provider", p.Provider),
			attribute.String("outcome", p.Outcome),
		)
		o.metrics.ProviderDuration.Record(ctx, float64(p.LatencyMs)/1000, attrs)
		if p.Tokens > 0 {
			o.metrics.TokensUsed.Add(ctx, p.Tokens, metric.WithAttributes(attribute.String("provider", p.Provider)))
		}
	case bus.TopicRunBlocked:
		o.metrics.RunsBlocked.Add(ctx, 1)
	}
}
