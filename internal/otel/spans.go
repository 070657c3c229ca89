package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for pressroom spans.
var (
	AttrRunID    = attribute.Key("pressroom.run.id")
	AttrTaskID   = attribute.Key("pressroom.task.id")
	AttrStage    = attribute.Key("pressroom.stage")
	AttrRole     = attribute.Key("pressroom.role")
	AttrSubject  = attribute.Key("pressroom.subject")
	AttrAttempt  = attribute.Key("pressroom.attempt")
	AttrDegraded = attribute.Key("pressroom.degraded")
	AttrWinner   = attribute.Key("pressroom.resolve.winner")
	AttrMerged   = attribute.Key("pressroom.resolve.merged")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartRunSpan starts the root span for one pipeline run.
func StartRunSpan(ctx context.Context, tracer trace.Tracer, runID, topic string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(AttrRunID.String(runID), attribute.String("pressroom.topic", topic)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartStageSpan starts a span for one stage of a run.
func StartStageSpan(ctx context.Context, tracer trace.Tracer, runID, stage string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pipeline.stage",
		trace.WithAttributes(AttrRunID.String(runID), AttrStage.String(stage)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartResolveSpan starts a span for one conflict resolution.
func StartResolveSpan(ctx context.Context, tracer trace.Tracer, runID, stage, subject string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pipeline.resolve",
		trace.WithAttributes(AttrRunID.String(runID), AttrStage.String(stage), AttrSubject.String(subject)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
