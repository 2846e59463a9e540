package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/escore/core/es"
	"github.com/codewandler/escore/core/metrics"
)

// Metrics implements es.Metrics using Prometheus.
type Metrics struct {
	// Log
	appendDuration  *prometheus.HistogramVec
	loadDuration    *prometheus.HistogramVec
	eventsAppended  *prometheus.CounterVec
	versionConflict *prometheus.CounterVec

	// Runtime
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	eventsReplayed *prometheus.HistogramVec

	// Snapshots
	snapshots *prometheus.CounterVec

	// Dispatch
	dispatchDuration *prometheus.HistogramVec
	dispatchOutcomes *prometheus.CounterVec

	// Projections and subscriptions
	projectionFolds *prometheus.CounterVec
	projectionLag   *prometheus.GaugeVec
	deliveries      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		appendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "append_duration_seconds",
			Help:      "Event log append latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"aggregate_type"}),

		loadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "load_duration_seconds",
			Help:      "Aggregate hydration latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"aggregate_type"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Total number of events appended",
		}, []string{"aggregate_type"}),

		versionConflict: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Total number of appends rejected by the expected version",
		}, []string{"aggregate_type"}),

		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of aggregate cache hits",
		}, []string{"aggregate_type"}),

		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of aggregate cache misses",
		}, []string{"aggregate_type"}),

		eventsReplayed: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "events_replayed",
			Help:      "Events replayed per aggregate hydration",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"aggregate_type"}),

		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Snapshot activity by result (loaded, created, failed)",
		}, []string{"aggregate_type", "result"}),

		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Command and query handling latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"kind", "type"}),

		dispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Dispatched commands and queries by outcome",
		}, []string{"kind", "type", "outcome"}),

		projectionFolds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "projection_folds_total",
			Help:      "Events folded into projections",
		}, []string{"projection", "success"}),

		projectionLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "projection_lag",
			Help:      "Projection lag (sequences behind the log head)",
		}, []string{"projection"}),

		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_deliveries_total",
			Help:      "Events delivered to stream subscriptions",
		}, []string{"stream", "success"}),
	}

	reg.MustRegister(
		m.appendDuration,
		m.loadDuration,
		m.eventsAppended,
		m.versionConflict,
		m.cacheHits,
		m.cacheMisses,
		m.eventsReplayed,
		m.snapshots,
		m.dispatchDuration,
		m.dispatchOutcomes,
		m.projectionFolds,
		m.projectionLag,
		m.deliveries,
	)

	return m
}

func (m *Metrics) AppendDuration(aggType string) metrics.Timer {
	return newTimer(m.appendDuration.WithLabelValues(aggType))
}

func (m *Metrics) LoadDuration(aggType string) metrics.Timer {
	return newTimer(m.loadDuration.WithLabelValues(aggType))
}

func (m *Metrics) EventsAppended(aggType string, count int) {
	m.eventsAppended.WithLabelValues(aggType).Add(float64(count))
}

func (m *Metrics) VersionConflict(aggType string) {
	m.versionConflict.WithLabelValues(aggType).Inc()
}

func (m *Metrics) CacheHit(aggType string)  { m.cacheHits.WithLabelValues(aggType).Inc() }
func (m *Metrics) CacheMiss(aggType string) { m.cacheMisses.WithLabelValues(aggType).Inc() }

func (m *Metrics) EventsReplayed(aggType string, count int) {
	m.eventsReplayed.WithLabelValues(aggType).Observe(float64(count))
}

func (m *Metrics) SnapshotLoaded(aggType string)  { m.snapshots.WithLabelValues(aggType, "loaded").Inc() }
func (m *Metrics) SnapshotCreated(aggType string) { m.snapshots.WithLabelValues(aggType, "created").Inc() }
func (m *Metrics) SnapshotFailed(aggType string)  { m.snapshots.WithLabelValues(aggType, "failed").Inc() }

func (m *Metrics) DispatchDuration(kind, msgType string) metrics.Timer {
	return newTimer(m.dispatchDuration.WithLabelValues(kind, msgType))
}

func (m *Metrics) DispatchOutcome(kind, msgType, outcome string) {
	m.dispatchOutcomes.WithLabelValues(kind, msgType, outcome).Inc()
}

func (m *Metrics) ProjectionFolded(projection string, ok bool) {
	m.projectionFolds.WithLabelValues(projection, boolToStr(ok)).Inc()
}

func (m *Metrics) ProjectionLag(projection string, lag int64) {
	m.projectionLag.WithLabelValues(projection).Set(float64(lag))
}

func (m *Metrics) SubscriptionDelivered(stream string, ok bool) {
	m.deliveries.WithLabelValues(stream, boolToStr(ok)).Inc()
}

var _ es.Metrics = (*Metrics)(nil)
