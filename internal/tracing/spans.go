package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TraceTransportRequest starts a client span for a call through a transport
// backend. Caller must call span.End() when the response is received.
func TraceTransportRequest(ctx context.Context, method, verb, path, requestID string) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "transport."+method+" "+verb+" "+path,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("transport.method", method),
		attribute.String("transport.verb", verb),
		attribute.String("transport.path", path),
		attribute.String("request_id", requestID),
	)
	return ctx, span
}

// TraceTransportResponse records response attributes on the span.
func TraceTransportResponse(span trace.Span, status int, err error) {
	span.SetAttributes(attribute.Int("transport.status", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceSessionSend creates a span for staging a prompt into a terminal session.
func TraceSessionSend(ctx context.Context, target, sessionName string, promptBytes int) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "session.send",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("target", target),
		attribute.String("session_name", sessionName),
		attribute.Int("prompt_bytes", promptBytes),
	)
	return ctx, span
}

// TraceDispatch creates a span for a single Execute call.
func TraceDispatch(ctx context.Context, targetID, mode string) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "dispatch.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("target_id", targetID),
		attribute.String("mode", mode),
	)
	return ctx, span
}

// TraceResult records an outcome on any span created by this package.
func TraceResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
