// Package prometheus implements es.Metrics with Prometheus collectors.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/escore/core/metrics"
)

const namespace = "escore"

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

func newTimer(o prometheus.Observer) metrics.Timer {
	return metrics.NewTimer(o.Observe)
}

func boolToStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
