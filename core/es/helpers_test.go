package es

import (
	"context"
	"sync"
	"sync/atomic"
)

type tally struct {
	Sum    int `json:"sum"`
	Events int `json:"events"`
}

type added struct {
	N int `json:"n"`
}

func tallyAggregate() *AggregateType[tally] {
	def := DefineAggregate("tally", func() tally { return tally{} })
	On(def, "Added", func(s tally, p added, _ Event) (tally, error) {
		s.Sum += p.N
		s.Events++
		return s, nil
	})
	return def
}

func add(n int, opts ...PendingOption) PendingEvent {
	return MustNewEvent("Added", added{N: n}, opts...)
}

func tallyRegistry() *Registry { return MustNewRegistry(tallyAggregate()) }

// countingLog counts reads so tests can assert that no I/O happened.
type countingLog struct {
	EventLog
	loads   atomic.Int32
	readAll atomic.Int32
}

func (c *countingLog) Load(ctx context.Context, id string, from, to Version) ([]Event, error) {
	c.loads.Add(1)
	return c.EventLog.Load(ctx, id, from, to)
}

func (c *countingLog) ReadAll(ctx context.Context, after uint64, limit int) ([]Event, error) {
	c.readAll.Add(1)
	return c.EventLog.ReadAll(ctx, after, limit)
}

// gatedLog blocks Load until release is closed or ctx ends.
type gatedLog struct {
	EventLog
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedLog) Load(ctx context.Context, id string, from, to Version) ([]Event, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.EventLog.Load(ctx, id, from, to)
}

// gappyLog drops a version from Load results to simulate a corrupt stream.
type gappyLog struct {
	EventLog
	skip Version
}

func (g *gappyLog) Load(ctx context.Context, id string, from, to Version) ([]Event, error) {
	events, err := g.EventLog.Load(ctx, id, from, to)
	out := events[:0:0]
	for _, ev := range events {
		if ev.Version != g.skip {
			out = append(out, ev)
		}
	}
	return out, err
}
