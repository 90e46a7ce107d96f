package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all sprintloop metric instruments.
type Metrics struct {
	TaskDuration     metric.Float64Histogram
	ProviderDuration metric.Float64Histogram
	TokensUsed       metric.Int64Counter
	TaskRetries      metric.Int64Counter
	TasksExhausted   metric.Int64Counter
	EditsApplied     metric.Int64Counter
	RunsBlocked      metric.Int64Counter
	TasksExecuting   metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("sprintloop.task.duration",
		metric.WithDescription("Task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ProviderDuration, err = meter.Float64Histogram("sprintloop.provider.duration",
		metric.WithDescription("Provider call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("sprintloop.provider.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRetries, err = meter.Int64Counter("sprintloop.task.retries",
		metric.WithDescription("Task retries scheduled"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksExhausted, err = meter.Int64Counter("sprintloop.task.exhausted",
		metric.WithDescription("Tasks that exhausted their retry budget"),
	)
	if err != nil {
		return nil, err
	}

	m.EditsApplied, err = meter.Int64Counter("sprintloop.edits.applied",
		metric.WithDescription("Verified edit instructions applied"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsBlocked, err = meter.Int64Counter("sprintloop.runs.blocked",
		metric.WithDescription("Workflow runs that ended blocked"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksExecuting, err = meter.Int64UpDownCounter("sprintloop.task.executing",
		metric.WithDescription("Tasks currently in EXECUTING"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
