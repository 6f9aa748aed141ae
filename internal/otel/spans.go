package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrIdentity = attribute.Key("clawforge.identity")
	AttrWorkerID = attribute.Key("clawforge.worker.id")
	AttrJobID    = attribute.Key("clawforge.job.id")
	AttrTaskID   = attribute.Key("clawforge.task.id")
	AttrBackend  = attribute.Key("clawforge.backend")
	AttrToolName = attribute.Key("clawforge.tool.name")
	AttrTurn     = attribute.Key("clawforge.turn")
	AttrUserID   = attribute.Key("clawforge.user.id")
)

// StartSpan starts an internal span with the given attributes. A nil tracer
// yields a no-op span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (model API, chat platform, docker).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
