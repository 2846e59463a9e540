package es

import (
	"context"
	"log/slog"
)

// EndSpan finishes a span started by a Tracer, recording err if non-nil.
type EndSpan func(err error)

// Tracer wraps append, load, dispatch and fold operations in spans.
// Attributes use slog so the core stays free of a tracing SDK; see
// adapters/otel for an OpenTelemetry implementation.
type Tracer interface {
	Start(ctx context.Context, op string, attrs ...slog.Attr) (context.Context, EndSpan)
}

type nopTracer struct{}

func (nopTracer) Start(ctx context.Context, _ string, _ ...slog.Attr) (context.Context, EndSpan) {
	return ctx, func(error) {}
}

// NopTracer returns a Tracer that records nothing.
func NopTracer() Tracer { return nopTracer{} }
