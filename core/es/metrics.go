package es

import "github.com/codewandler/escore/core/metrics"

// Metrics receives the operational signals of the event store. All
// methods must be safe for concurrent use.
type Metrics interface {
	// Log
	AppendDuration(aggType string) metrics.Timer
	LoadDuration(aggType string) metrics.Timer
	EventsAppended(aggType string, count int)
	VersionConflict(aggType string)

	// Runtime
	CacheHit(aggType string)
	CacheMiss(aggType string)
	EventsReplayed(aggType string, count int)

	// Snapshots
	SnapshotLoaded(aggType string)
	SnapshotCreated(aggType string)
	SnapshotFailed(aggType string)

	// Dispatch; kind is "command" or "query"
	DispatchDuration(kind, msgType string) metrics.Timer
	DispatchOutcome(kind, msgType, outcome string)

	// Projections and subscriptions
	ProjectionFolded(projection string, ok bool)
	ProjectionLag(projection string, lag int64)
	SubscriptionDelivered(stream string, ok bool)
}

type nopMetrics struct{}

func (nopMetrics) AppendDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) LoadDuration(string) metrics.Timer   { return metrics.NopTimer() }
func (nopMetrics) EventsAppended(string, int)          {}
func (nopMetrics) VersionConflict(string)              {}

func (nopMetrics) CacheHit(string)            {}
func (nopMetrics) CacheMiss(string)           {}
func (nopMetrics) EventsReplayed(string, int) {}

func (nopMetrics) SnapshotLoaded(string)  {}
func (nopMetrics) SnapshotCreated(string) {}
func (nopMetrics) SnapshotFailed(string)  {}

func (nopMetrics) DispatchDuration(string, string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) DispatchOutcome(string, string, string)        {}

func (nopMetrics) ProjectionFolded(string, bool)      {}
func (nopMetrics) ProjectionLag(string, int64)        {}
func (nopMetrics) SubscriptionDelivered(string, bool) {}

// NopMetrics returns a Metrics implementation that records nothing.
func NopMetrics() Metrics { return nopMetrics{} }

var _ Metrics = nopMetrics{}
