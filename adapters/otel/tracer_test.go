package otel

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/codewandler/escore/core/es"
	"github.com/codewandler/escore/core/es/estests/domain"
)

func newRecorder(t *testing.T) (*tracetest.SpanRecorder, *Tracer) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(t.Context()) })
	return rec, NewTracer(tp)
}

func attrMap(kvs []attribute.KeyValue) map[string]attribute.Value {
	m := make(map[string]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value
	}
	return m
}

func TestTracer_Span(t *testing.T) {
	rec, tracer := newRecorder(t)

	_, end := tracer.Start(t.Context(), "es.append",
		slog.String("aggregate_id", "u-1"),
		slog.Int("events", 3),
		slog.Bool("forced", true),
		slog.Duration("took", time.Second),
		slog.Group("agg", slog.String("type", "user"), slog.Uint64("version", 7)),
	)
	end(errors.New("boom"))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "es.append", span.Name())
	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Equal(t, "boom", span.Status().Description)
	require.Len(t, span.Events(), 1, "the error is recorded as span event")

	attrs := attrMap(span.Attributes())
	assert.Equal(t, "u-1", attrs["aggregate_id"].AsString())
	assert.Equal(t, int64(3), attrs["events"].AsInt64())
	assert.True(t, attrs["forced"].AsBool())
	assert.Equal(t, "1s", attrs["took"].AsString())
	assert.Equal(t, "user", attrs["agg.type"].AsString())
	assert.Equal(t, int64(7), attrs["agg.version"].AsInt64())
}

func TestTracer_SuccessLeavesStatusUnset(t *testing.T) {
	rec, tracer := newRecorder(t)
	_, end := tracer.Start(t.Context(), "es.load")
	end(nil)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Empty(t, spans[0].Events())
}

func TestTracer_WiredIntoStore(t *testing.T) {
	rec, tracer := newRecorder(t)
	store := es.NewStore(es.NewInMemoryLog(), domain.Registry(), es.WithTracer(tracer))
	defer store.Close()

	agg, err := store.Load(t.Context(), "u-1", domain.UserType)
	require.NoError(t, err)
	_, err = store.Save(t.Context(), agg, domain.Created("a@b.c", "Alice"))
	require.NoError(t, err)

	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"es.load", "es.append"}, names)
}
