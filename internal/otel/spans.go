package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for sprintloop spans.
var (
	AttrRunID     = attribute.Key("sprintloop.run.id")
	AttrPhase     = attribute.Key("sprintloop.run.phase")
	AttrTaskID    = attribute.Key("sprintloop.task.id")
	AttrTaskKind  = attribute.Key("sprintloop.task.kind")
	AttrProvider  = attribute.Key("sprintloop.provider")
	AttrErrorKind = attribute.Key("sprintloop.error.kind")
	AttrAttempt   = attribute.Key("sprintloop.attempt")
	AttrResource  = attribute.Key("sprintloop.resource.id")
	AttrSessionID = attribute.Key("sprintloop.session.id")
	AttrTokens    = attribute.Key("sprintloop.llm.tokens")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (provider API).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
