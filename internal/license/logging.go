package license

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"keygen/internal/infrastructure"
)

// logOperation logs the end of an operation and annotates the current span.
func (m *Manager) logOperation(ctx context.Context, operation string, start time.Time, err error) {
	duration := time.Since(start)

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(
			attribute.String("license.operation", operation),
			attribute.Float64("license.duration_ms", float64(duration.Milliseconds())),
			attribute.Bool("license.success", err == nil),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}

	attrs := []slog.Attr{
		slog.String("operation", operation),
		slog.Duration("duration", duration),
		slog.String("trace_id", infrastructure.GetTraceID(ctx)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		m.logger.LogAttrs(ctx, slog.LevelWarn, "license operation failed", attrs...)
		return
	}
	m.logger.LogAttrs(ctx, slog.LevelDebug, "license operation completed", attrs...)
}

// logAction logs a lifecycle step and adds it to the current span as an event.
func (m *Manager) logAction(ctx context.Context, level slog.Level, action, msg string, attrs ...slog.Attr) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent("license." + action)
	}
	all := append([]slog.Attr{slog.String("action", action)}, attrs...)
	m.logger.LogAttrs(ctx, level, msg, all...)
}
