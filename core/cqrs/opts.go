package cqrs

import (
	"log/slog"
	"time"

	"github.com/codewandler/escore/core/es"
)

const (
	DefaultCommandTimeout = 10 * time.Second
	DefaultQueryTimeout   = 2 * time.Second
)

type config struct {
	log            *slog.Logger
	metrics        es.Metrics
	tracer         es.Tracer
	commandTimeout time.Duration
	queryTimeout   time.Duration
	middleware     []Middleware
	serialized     bool
}

type Option interface {
	apply(*config)
}

type (
	valueOption[T any]   struct{ v T }
	LogOption            valueOption[*slog.Logger]
	MetricsOption        valueOption[es.Metrics]
	TracerOption         valueOption[es.Tracer]
	CommandTimeoutOption valueOption[time.Duration]
	QueryTimeoutOption   valueOption[time.Duration]
	MiddlewareOption     valueOption[[]Middleware]
)

type SerializedAggregatesOption struct{}

func WithLogger(l *slog.Logger) LogOption     { return LogOption{v: l} }
func WithMetrics(m es.Metrics) MetricsOption { return MetricsOption{v: m} }
func WithTracer(t es.Tracer) TracerOption    { return TracerOption{v: t} }

// WithCommandTimeout sets how long Dispatch waits for a command handler.
func WithCommandTimeout(d time.Duration) CommandTimeoutOption { return CommandTimeoutOption{v: d} }

// WithQueryTimeout sets how long Query waits for a query handler.
func WithQueryTimeout(d time.Duration) QueryTimeoutOption { return QueryTimeoutOption{v: d} }

// WithMiddleware appends middleware to the chain. The first one given is
// the outermost.
func WithMiddleware(mw ...Middleware) MiddlewareOption { return MiddlewareOption{v: mw} }

// WithSerializedAggregates runs commands for the same aggregate one after
// another. Commands for different aggregates still run in parallel.
func WithSerializedAggregates() SerializedAggregatesOption { return SerializedAggregatesOption{} }

func (o LogOption) apply(c *config) {
	if o.v != nil {
		c.log = o.v
	}
}

func (o MetricsOption) apply(c *config) {
	if o.v != nil {
		c.metrics = o.v
	}
}

func (o TracerOption) apply(c *config) {
	if o.v != nil {
		c.tracer = o.v
	}
}

func (o CommandTimeoutOption) apply(c *config) {
	if o.v > 0 {
		c.commandTimeout = o.v
	}
}

func (o QueryTimeoutOption) apply(c *config) {
	if o.v > 0 {
		c.queryTimeout = o.v
	}
}

func (o MiddlewareOption) apply(c *config) { c.middleware = append(c.middleware, o.v...) }

func (SerializedAggregatesOption) apply(c *config) { c.serialized = true }
