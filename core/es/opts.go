package es

import (
	"log/slog"
	"time"

	"github.com/codewandler/escore/core/cache"
)

const (
	defaultQueueSize   = 256
	defaultFoldTimeout = 5 * time.Second
	defaultCacheSize   = 1024
	catchUpBatch       = 512
)

// SnapshotPolicy decides when the write path takes snapshots. Interval 0
// disables automatic snapshots; Retention 0 keeps every snapshot.
type SnapshotPolicy struct {
	Interval  Version
	Retention int
}

type config struct {
	log         *slog.Logger
	metrics     Metrics
	tracer      Tracer
	cache       cache.Cache
	snapshots   SnapshotStore
	policy      SnapshotPolicy
	checkpoints CheckpointStore
	queueSize   int
	foldTimeout time.Duration
}

func newConfig(opts []Option) config {
	c := config{
		log:         slog.Default(),
		metrics:     NopMetrics(),
		tracer:      NopTracer(),
		queueSize:   defaultQueueSize,
		foldTimeout: defaultFoldTimeout,
	}
	for _, opt := range opts {
		opt.apply(&c)
	}
	return c
}

// Option configures the event store components (Store, Runtime,
// Snapshotter, Projections, Subscriptions). Components ignore options that
// do not concern them.
type Option interface {
	apply(*config)
}

// ProjectionOption configures a single registered projection.
type ProjectionOption interface {
	applyToProjection(*projectionOptions)
}

// SubscribeOption configures a single stream subscription.
type SubscribeOption interface {
	applyToSubscription(*subscribeOptions)
}

type (
	valueOption[T any]    struct{ v T }
	LogOption             valueOption[*slog.Logger]
	MetricsOption         valueOption[Metrics]
	TracerOption          valueOption[Tracer]
	CacheOption           valueOption[cache.Cache]
	SnapshotStoreOption   valueOption[SnapshotStore]
	SnapshotPolicyOption  valueOption[SnapshotPolicy]
	CheckpointStoreOption valueOption[CheckpointStore]
	QueueSizeOption       valueOption[int]
	FoldTimeoutOption     valueOption[time.Duration]
	EventTypesOption      valueOption[[]string]
	FromPositionOption    valueOption[uint64]
	CatchUpOption         valueOption[bool]
	FilterOption          valueOption[func(Event) bool]
)

func WithLogger(l *slog.Logger) LogOption        { return LogOption{v: l} }
func WithMetrics(m Metrics) MetricsOption        { return MetricsOption{v: m} }
func WithTracer(t Tracer) TracerOption           { return TracerOption{v: t} }
func WithCache(c cache.Cache) CacheOption        { return CacheOption{v: c} }
func WithSnapshotStore(s SnapshotStore) SnapshotStoreOption {
	return SnapshotStoreOption{v: s}
}

// WithSnapshotPolicy snapshots every interval events and keeps the newest
// retention snapshots per aggregate.
func WithSnapshotPolicy(interval Version, retention int) SnapshotPolicyOption {
	return SnapshotPolicyOption{v: SnapshotPolicy{Interval: interval, Retention: retention}}
}

func WithCheckpointStore(s CheckpointStore) CheckpointStoreOption {
	return CheckpointStoreOption{v: s}
}

// WithQueueSize bounds the per-consumer delivery queue. Given to a
// component it sets the default; given to Register or Subscribe it applies
// to that consumer only.
func WithQueueSize(n int) QueueSizeOption { return QueueSizeOption{v: n} }

// WithFoldTimeout bounds a single projection fold. Zero disables the bound.
func WithFoldTimeout(d time.Duration) FoldTimeoutOption { return FoldTimeoutOption{v: d} }

// WithEventTypes restricts a projection to the given event types.
func WithEventTypes(types ...string) EventTypesOption { return EventTypesOption{v: types} }

// WithFromPosition starts a subscription after the given stream position.
func WithFromPosition(p uint64) FromPositionOption { return FromPositionOption{v: p} }

// WithCatchUp controls whether a subscription first replays history. With
// false it only receives events appended after Subscribe.
func WithCatchUp(b bool) CatchUpOption { return CatchUpOption{v: b} }

// WithFilter drops events for which fn returns false.
func WithFilter(fn func(Event) bool) FilterOption { return FilterOption{v: fn} }

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
func (o CacheOption) apply(c *config)           { c.cache = o.v }
func (o SnapshotStoreOption) apply(c *config)   { c.snapshots = o.v }
func (o SnapshotPolicyOption) apply(c *config)  { c.policy = o.v }
func (o CheckpointStoreOption) apply(c *config) { c.checkpoints = o.v }
func (o QueueSizeOption) apply(c *config) {
	if o.v > 0 {
		c.queueSize = o.v
	}
}
func (o FoldTimeoutOption) apply(c *config) { c.foldTimeout = o.v }

func (o QueueSizeOption) applyToProjection(p *projectionOptions) {
	if o.v > 0 {
		p.queueSize = o.v
	}
}
func (o FoldTimeoutOption) applyToProjection(p *projectionOptions) {
	p.foldTimeout = o.v
	p.foldTimeoutSet = true
}
func (o EventTypesOption) applyToProjection(p *projectionOptions) {
	p.eventTypes = append(p.eventTypes, o.v...)
}

func (o QueueSizeOption) applyToSubscription(s *subscribeOptions) {
	if o.v > 0 {
		s.queueSize = o.v
	}
}
func (o FromPositionOption) applyToSubscription(s *subscribeOptions) { s.fromPosition = o.v }
func (o CatchUpOption) applyToSubscription(s *subscribeOptions)      { s.catchUp = o.v }
func (o FilterOption) applyToSubscription(s *subscribeOptions)       { s.filter = o.v }
