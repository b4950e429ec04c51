package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for clawboard spans.
var (
	AttrTaskID     = attribute.Key("clawboard.task.id")
	AttrBlockerID  = attribute.Key("clawboard.task.blocked_by")
	AttrOwner      = attribute.Key("clawboard.task.owner")
	AttrStatus     = attribute.Key("clawboard.task.status")
	AttrBatchSize  = attribute.Key("clawboard.ingest.batch_size")
	AttrWindow     = attribute.Key("clawboard.report.window")
	AttrEventCount = attribute.Key("clawboard.report.event_count")
	AttrRoute      = attribute.Key("clawboard.http.route")
	AttrTraceID    = attribute.Key("clawboard.trace_id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound HTTP request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
