package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codewandler/escore/core/cache"
)

// Store is the write path of the event store. A successful append
// invalidates the cached aggregate, feeds the projections, notifies stream
// subscribers and evaluates the snapshot policy, in that order. Only the
// append itself can fail the call.
type Store struct {
	log           *slog.Logger
	events        EventLog
	registry      *Registry
	runtime       *Runtime
	snapshotter   *Snapshotter
	projections   *Projections
	subscriptions *Subscriptions
	metrics       Metrics
	tracer        Tracer
	ownedCache    *cache.LRU
}

// NewStore assembles the runtime, snapshotter, projections and
// subscriptions around events. Without WithCache an LRU of 1024
// aggregates is used; snapshots are enabled by WithSnapshotStore.
func NewStore(events EventLog, registry *Registry, opts ...Option) *Store {
	cfg := newConfig(opts)

	s := &Store{
		log:      cfg.log.With(slog.String("component", "store")),
		events:   events,
		registry: registry,
		metrics:  cfg.metrics,
		tracer:   cfg.tracer,
	}

	if cfg.cache == nil {
		s.ownedCache = cache.NewLRU(cache.LRUOpts{Size: defaultCacheSize})
		opts = append(opts, WithCache(s.ownedCache))
	}

	s.runtime = NewRuntime(events, registry, opts...)
	if cfg.snapshots != nil {
		s.snapshotter = NewSnapshotter(cfg.snapshots, s.runtime, opts...)
	}
	s.projections = NewProjections(events, opts...)
	s.subscriptions = NewSubscriptions(events, opts...)
	return s
}

func (s *Store) Log() EventLog                 { return s.events }
func (s *Store) Registry() *Registry           { return s.registry }
func (s *Store) Runtime() *Runtime             { return s.runtime }
func (s *Store) Projections() *Projections     { return s.projections }
func (s *Store) Subscriptions() *Subscriptions { return s.subscriptions }

// Snapshotter returns nil when the store has no snapshot store.
func (s *Store) Snapshotter() *Snapshotter { return s.snapshotter }

// Load returns the hydrated aggregate.
func (s *Store) Load(ctx context.Context, aggregateID, aggregateType string) (*Aggregate, error) {
	return s.runtime.Load(ctx, aggregateID, aggregateType)
}

// Append stores events for the aggregate under the expected version and
// runs the post-commit steps.
func (s *Store) Append(
	ctx context.Context,
	aggregateID, aggregateType string,
	expected ExpectedVersion,
	events ...PendingEvent,
) (stored []Event, err error) {
	if _, err := s.registry.Lookup(aggregateType); err != nil {
		return nil, err
	}

	ctx, end := s.tracer.Start(ctx, "es.append",
		slog.String("aggregate_type", aggregateType),
		slog.String("aggregate_id", aggregateID),
		slog.Int("events", len(events)),
	)
	defer func() { end(err) }()

	timer := s.metrics.AppendDuration(aggregateType)
	stored, err = s.events.Append(ctx, aggregateID, aggregateType, expected, events...)
	timer.ObserveDuration()

	// the cached copy is stale after success and suspect after a conflict
	s.runtime.Invalidate(aggregateID, aggregateType)

	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			s.metrics.VersionConflict(aggregateType)
			s.log.Debug("version conflict", slog.String("aggregate_id", aggregateID), expected.SlogAttr(), slog.Any("error", err))
		}
		return nil, err
	}
	s.metrics.EventsAppended(aggregateType, len(stored))

	s.projections.Feed(stored...)
	s.subscriptions.Notify(stored...)

	if s.snapshotter != nil {
		head := stored[len(stored)-1].Version
		if _, serr := s.snapshotter.afterAppend(context.WithoutCancel(ctx), aggregateID, aggregateType, head); serr != nil {
			s.log.Warn("snapshot failed", slog.String("aggregate_id", aggregateID), head.SlogAttr(), slog.Any("error", serr))
		}
	}

	return stored, nil
}

// Save appends events produced against agg, expecting agg.Version, and
// moves agg forward. The events are applied to a copy first, so a failing
// apply rejects the command before anything is written.
func (s *Store) Save(ctx context.Context, agg *Aggregate, events ...PendingEvent) ([]Event, error) {
	def, err := s.registry.Lookup(agg.Type)
	if err != nil {
		return nil, err
	}

	preview := make([]Event, len(events))
	for i, pe := range events {
		preview[i] = Event{
			Type:          pe.Type,
			AggregateID:   agg.ID,
			AggregateType: agg.Type,
			Version:       agg.Version + Version(i) + 1,
			StreamName:    pe.StreamName,
			Data:          pe.Data,
			Metadata:      pe.Metadata,
		}
	}
	next := agg.clone()
	if err := Replay(def, next, preview); err != nil {
		return nil, fmt.Errorf("events rejected by %s: %w", agg.Type, err)
	}

	stored, err := s.Append(ctx, agg.ID, agg.Type, Exact(agg.Version), events...)
	if err != nil {
		return nil, err
	}
	if err := Replay(def, agg, stored); err != nil {
		return stored, err
	}
	return stored, nil
}

// Close stops projection and subscription workers.
func (s *Store) Close() {
	s.subscriptions.Close()
	s.projections.Close()
	if s.snapshotter != nil {
		s.snapshotter.Close()
	}
	if s.ownedCache != nil {
		s.ownedCache.Close()
	}
}
