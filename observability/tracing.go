// Package observability provides go-utils metric instruments and
// OpenTelemetry spans for admission, outbox publication and delivery attempts.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/xraph/notifly"

// Tracer provides OpenTelemetry tracing for the pipeline.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer from the global provider.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(tracerName)}
}

// NewTracerWithProvider creates a tracer from tp.
func NewTracerWithProvider(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(tracerName)}
}

// StartAdmissionSpan starts a span for one Submit call.
func (t *Tracer) StartAdmissionSpan(ctx context.Context, tenantID, eventType, correlationID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "notifly.admission",
		trace.WithAttributes(
			attribute.String("notifly.tenant_id", tenantID),
			attribute.String("notifly.event_type", eventType),
			attribute.String("notifly.correlation_id", correlationID),
		),
	)
}

// StartPublishSpan starts a span for publishing one outbox entry.
func (t *Tracer) StartPublishSpan(ctx context.Context, outboxID, tenantID, requestID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "notifly.outbox.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("notifly.outbox_id", outboxID),
			attribute.String("notifly.tenant_id", tenantID),
			attribute.String("notifly.request_id", requestID),
		),
	)
}

// StartDeliverySpan starts a span for one delivery attempt.
func (t *Tracer) StartDeliverySpan(ctx context.Context, tenantID, requestID string, attempt int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "notifly.delivery",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("notifly.tenant_id", tenantID),
			attribute.String("notifly.request_id", requestID),
			attribute.Int("notifly.attempt", attempt),
		),
	)
}

// EndDeliverySpan records the outcome of a delivery attempt and ends the span.
func (t *Tracer) EndDeliverySpan(span trace.Span, outcome, channel string, err string) {
	span.SetAttributes(
		attribute.String("notifly.outcome", outcome),
		attribute.String("notifly.channel", channel),
	)
	t.EndSpan(span, err)
}

// EndSpan ends span, marking it as errored when err is non-empty.
func (t *Tracer) EndSpan(span trace.Span, err string) {
	if err != "" {
		span.SetStatus(codes.Error, err)
		span.SetAttributes(attribute.String("notifly.error", err))
	}
	span.End()
}
