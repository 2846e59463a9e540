// Package metrics holds the backend-neutral timing primitive shared by the
// escore components. Concrete metric families live behind es.Metrics; this
// package only knows how to measure an operation and hand the duration on.
package metrics

import "time"

// Timer measures the duration of an operation. Call ObserveDuration when
// the operation completes to record the elapsed time.
type Timer interface {
	ObserveDuration()
}

// TimerFunc creates a new Timer. This allows deferred timing patterns like:
//
//	defer m.AppendDuration("user").ObserveDuration()
type TimerFunc func() Timer

type funcTimer struct {
	start   time.Time
	observe func(seconds float64)
}

func (t *funcTimer) ObserveDuration() { t.observe(time.Since(t.start).Seconds()) }

// NewTimer starts a timer that reports the elapsed seconds to observe.
func NewTimer(observe func(seconds float64)) Timer {
	if observe == nil {
		return NopTimer()
	}
	return &funcTimer{start: time.Now(), observe: observe}
}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

// NopTimer returns a Timer that records nothing.
func NopTimer() Timer { return nopTimer{} }
