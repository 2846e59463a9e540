package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/escore/core/cache"
)

// snapshotHeadsSize bounds how many aggregates' last snapshot versions are
// remembered. A forgotten aggregate costs one GetLatest on its next append.
const snapshotHeadsSize = 4096

type SnapshotResult struct {
	Created bool
	Version Version
}

// Snapshotter applies the snapshot policy: a snapshot is taken once
// Interval events accumulated since the last one, and older snapshots are
// pruned down to Retention.
type Snapshotter struct {
	log     *slog.Logger
	store   SnapshotStore
	runtime *Runtime
	policy  SnapshotPolicy
	metrics Metrics

	mu    sync.Mutex // keeps remember monotonic
	heads *cache.LRU
	last  cache.TypedCache[Version] // last known snapshot version per aggregate
}

// NewSnapshotter uses the runtime to load aggregates. The runtime should
// read from the same snapshot store. Call Close when done with it.
func NewSnapshotter(store SnapshotStore, runtime *Runtime, opts ...Option) *Snapshotter {
	return newSnapshotter(store, runtime, snapshotHeadsSize, opts...)
}

func newSnapshotter(store SnapshotStore, runtime *Runtime, heads int, opts ...Option) *Snapshotter {
	cfg := newConfig(opts)
	lru := cache.NewLRU(cache.LRUOpts{Size: heads})
	return &Snapshotter{
		log:     cfg.log.With(slog.String("component", "snapshotter")),
		store:   store,
		runtime: runtime,
		policy:  cfg.policy,
		metrics: cfg.metrics,
		heads:   lru,
		last:    cache.NewTyped[Version](lru),
	}
}

// Close stops the snapshotter's version cache. Later calls still work but
// read the last snapshot version from the store every time.
func (s *Snapshotter) Close() { s.heads.Close() }

func (s *Snapshotter) Policy() SnapshotPolicy { return s.policy }

// LoadLatest returns the newest snapshot of the aggregate.
func (s *Snapshotter) LoadLatest(ctx context.Context, aggregateID string) (*Snapshot, error) {
	return s.store.GetLatest(ctx, aggregateID)
}

// MaybeSnapshot snapshots the aggregate when the policy asks for it, or
// when force is set and the aggregate moved past the last snapshot.
func (s *Snapshotter) MaybeSnapshot(ctx context.Context, aggregateID, aggregateType string, force bool) (SnapshotResult, error) {
	last, err := s.lastVersion(ctx, aggregateID)
	if err != nil {
		return SnapshotResult{}, err
	}

	agg, err := s.runtime.LoadFresh(ctx, aggregateID, aggregateType)
	if err != nil {
		return SnapshotResult{}, err
	}
	return s.take(ctx, agg, last, force)
}

// afterAppend is the write-path hook. head is the version just committed;
// it skips all I/O while the aggregate is below the next interval.
func (s *Snapshotter) afterAppend(ctx context.Context, aggregateID, aggregateType string, head Version) (SnapshotResult, error) {
	if s.policy.Interval == 0 {
		return SnapshotResult{}, nil
	}
	last, err := s.lastVersion(ctx, aggregateID)
	if err != nil {
		s.metrics.SnapshotFailed(aggregateType)
		return SnapshotResult{}, err
	}
	if head < last+s.policy.Interval {
		return SnapshotResult{Version: last}, nil
	}
	agg, err := s.runtime.LoadFresh(ctx, aggregateID, aggregateType)
	if err != nil {
		s.metrics.SnapshotFailed(aggregateType)
		return SnapshotResult{}, err
	}
	return s.take(ctx, agg, last, false)
}

func (s *Snapshotter) take(ctx context.Context, agg *Aggregate, last Version, force bool) (SnapshotResult, error) {
	due := s.policy.Interval > 0 && agg.Version >= last+s.policy.Interval
	if agg.Version == 0 || agg.Version <= last || (!due && !force) {
		return SnapshotResult{Version: last}, nil
	}

	def, err := s.runtime.Registry().Lookup(agg.Type)
	if err != nil {
		return SnapshotResult{}, err
	}
	data, err := def.EncodeState(agg.State)
	if err != nil {
		s.metrics.SnapshotFailed(agg.Type)
		return SnapshotResult{}, fmt.Errorf("encode snapshot of %s/%s: %w", agg.Type, agg.ID, err)
	}

	snap := &Snapshot{
		ID:            gonanoid.Must(),
		AggregateID:   agg.ID,
		AggregateType: agg.Type,
		Version:       agg.Version,
		Seq:           agg.Seq,
		CreatedAt:     time.Now().UTC(),
		Encoding:      "json",
		Data:          data,
	}
	if err := s.store.Put(ctx, snap); err != nil {
		s.metrics.SnapshotFailed(agg.Type)
		return SnapshotResult{}, fmt.Errorf("store snapshot of %s/%s: %w", agg.Type, agg.ID, err)
	}
	s.metrics.SnapshotCreated(agg.Type)
	s.remember(agg.ID, snap.Version)
	s.log.Debug("snapshot created", snap.SlogAttr())

	if s.policy.Retention > 0 {
		removed, err := s.store.DeleteOlderThan(ctx, agg.ID, s.policy.Retention)
		if err != nil {
			s.log.Warn("snapshot pruning failed", snap.SlogAttr(), slog.Any("error", err))
		} else if removed > 0 {
			s.log.Debug("snapshots pruned", snap.SlogAttr(), slog.Int("removed", removed))
		}
	}

	return SnapshotResult{Created: true, Version: snap.Version}, nil
}

func (s *Snapshotter) lastVersion(ctx context.Context, aggregateID string) (Version, error) {
	v, ok := s.last.Get(aggregateID)
	if ok {
		return v, nil
	}

	snap, err := s.store.GetLatest(ctx, aggregateID)
	switch {
	case errors.Is(err, ErrSnapshotNotFound):
		v = 0
	case err != nil:
		return 0, err
	default:
		v = snap.Version
	}
	s.remember(aggregateID, v)
	return v, nil
}

func (s *Snapshotter) remember(aggregateID string, v Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.last.Get(aggregateID); !ok || v >= cur {
		s.last.Put(aggregateID, v)
	}
}
