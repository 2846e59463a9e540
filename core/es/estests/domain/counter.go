package domain

import (
	"github.com/codewandler/escore/core/es"
)

const (
	CounterType     = "counter"
	IncrementedType = "Incremented"
)

type (
	Counter struct {
		Value          int `json:"value"`
		NumIncrements  int `json:"num_increments"`
		NumResets      int `json:"num_resets"`
		NumTotalEvents int `json:"num_total_events"`
	}

	Incremented struct {
		Inc   int  `json:"inc,omitempty"`
		Reset bool `json:"reset,omitempty"`
	}
)

func CounterAggregate() *es.AggregateType[Counter] {
	def := es.DefineAggregate(CounterType, func() Counter { return Counter{} })
	es.On(def, IncrementedType, func(c Counter, p Incremented, _ es.Event) (Counter, error) {
		c.NumTotalEvents++
		if p.Inc > 0 {
			c.Value += p.Inc
			c.NumIncrements++
		}
		if p.Reset {
			c.Value = 0
			c.NumResets++
		}
		return c, nil
	})
	return def
}

func Inc(n int) es.PendingEvent {
	return es.MustNewEvent(IncrementedType, Incremented{Inc: n})
}

func Reset() es.PendingEvent {
	return es.MustNewEvent(IncrementedType, Incremented{Reset: true})
}

// Registry returns a registry with all test aggregates.
func Registry() *es.Registry {
	return es.MustNewRegistry(UserAggregate(), CounterAggregate())
}
