// Package otel implements es.Tracer on OpenTelemetry.
package otel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/codewandler/escore/core/es"
)

const instrumentationName = "github.com/codewandler/escore"

type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer from tp, or from the global provider when tp
// is nil.
func NewTracer(tp trace.TracerProvider) *Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Tracer{tracer: tp.Tracer(instrumentationName)}
}

func (t *Tracer) Start(ctx context.Context, op string, attrs ...slog.Attr) (context.Context, es.EndSpan) {
	ctx, span := t.tracer.Start(ctx, op, trace.WithAttributes(convert("", attrs)...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// convert maps slog attributes onto span attributes. Groups are flattened
// into dotted keys.
func convert(prefix string, attrs []slog.Attr) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		key := a.Key
		if prefix != "" {
			key = prefix + "." + key
		}
		v := a.Value.Resolve()
		switch v.Kind() {
		case slog.KindString:
			out = append(out, attribute.String(key, v.String()))
		case slog.KindInt64:
			out = append(out, attribute.Int64(key, v.Int64()))
		case slog.KindUint64:
			out = append(out, attribute.Int64(key, int64(v.Uint64())))
		case slog.KindFloat64:
			out = append(out, attribute.Float64(key, v.Float64()))
		case slog.KindBool:
			out = append(out, attribute.Bool(key, v.Bool()))
		case slog.KindDuration:
			out = append(out, attribute.String(key, v.Duration().String()))
		case slog.KindTime:
			out = append(out, attribute.String(key, v.Time().Format(time.RFC3339Nano)))
		case slog.KindGroup:
			out = append(out, convert(key, v.Group())...)
		default:
			out = append(out, attribute.String(key, fmt.Sprint(v.Any())))
		}
	}
	return out
}

var _ es.Tracer = (*Tracer)(nil)
