package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for scheduler spans.
var (
	AttrTaskID    = attribute.Key("gotasker.task.id")
	AttrTaskName  = attribute.Key("gotasker.task.name")
	AttrTaskKind  = attribute.Key("gotasker.task.kind")
	AttrTrigger   = attribute.Key("gotasker.run.trigger")
	AttrRunID     = attribute.Key("gotasker.run.id")
	AttrSessionID = attribute.Key("gotasker.session.id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (the agent runner).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
