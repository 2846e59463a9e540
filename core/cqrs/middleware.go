package cqrs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/codewandler/escore/core/es"
)

type Kind string

const (
	KindCommand Kind = "command"
	KindQuery   Kind = "query"
)

// Envelope describes the message a middleware is wrapping.
type Envelope struct {
	Kind        Kind
	Type        string
	AggregateID string
	Metadata    es.Metadata
}

func (e Envelope) SlogAttr() slog.Attr {
	attrs := []any{slog.String("kind", string(e.Kind)), slog.String("type", e.Type)}
	if e.AggregateID != "" {
		attrs = append(attrs, slog.String("aggregate_id", e.AggregateID))
	}
	if e.Metadata.CorrelationID != "" {
		attrs = append(attrs, slog.String("correlation_id", e.Metadata.CorrelationID))
	}
	return slog.Group("msg", attrs...)
}

// Next invokes the rest of the chain. It returns the command Result or
// the query answer.
type Next func(ctx context.Context) (any, error)

type Middleware func(ctx context.Context, env Envelope, next Next) (any, error)

func chain(mw []Middleware, env Envelope, final Next) Next {
	next := final
	for i := len(mw) - 1; i >= 0; i-- {
		m, inner := mw[i], next
		next = func(ctx context.Context) (any, error) {
			return m(ctx, env, inner)
		}
	}
	return next
}

// Logging logs every dispatched message with its outcome.
func Logging(log *slog.Logger) Middleware {
	return func(ctx context.Context, env Envelope, next Next) (any, error) {
		start := time.Now()
		out, err := next(ctx)
		attrs := []any{env.SlogAttr(), slog.Duration("took", time.Since(start))}
		if err != nil {
			log.Warn("dispatch failed", append(attrs, slog.Any("error", err))...)
		} else {
			log.Debug("dispatched", attrs...)
		}
		return out, err
	}
}

// telemetry records duration, outcome and a span per message.
func telemetry(metrics es.Metrics, tracer es.Tracer) Middleware {
	return func(ctx context.Context, env Envelope, next Next) (out any, err error) {
		ctx, end := tracer.Start(ctx, "cqrs."+string(env.Kind),
			slog.String("type", env.Type),
			slog.String("aggregate_id", env.AggregateID),
		)
		defer func() { end(err) }()

		timer := metrics.DispatchDuration(string(env.Kind), env.Type)
		out, err = next(ctx)
		timer.ObserveDuration()
		metrics.DispatchOutcome(string(env.Kind), env.Type, outcome(err))
		return out, err
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, es.ErrVersionConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidCommand), errors.Is(err, ErrInvalidQuery):
		return "invalid"
	default:
		return "error"
	}
}
