package es

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"log/slog"
	"sync/atomic"

	"github.com/codewandler/escore/core/cache"
	"github.com/codewandler/escore/core/sf"
)

// Runtime hydrates aggregates: cache, then latest snapshot, then replay of
// the remaining events.
type Runtime struct {
	log       *slog.Logger
	events    EventLog
	registry  *Registry
	snapshots SnapshotStore
	cache     cache.TypedCache[*Aggregate]
	loads     *sf.Group[*Aggregate]
	metrics   Metrics
	tracer    Tracer

	// epochs counts invalidations per key stripe. A load only fills the
	// cache when no invalidation of its stripe happened meanwhile.
	seed   maphash.Seed
	epochs [epochStripes]atomic.Uint64
}

const epochStripes = 256

func NewRuntime(events EventLog, registry *Registry, opts ...Option) *Runtime {
	cfg := newConfig(opts)
	c := cfg.cache
	if c == nil {
		c = cache.NewNop()
	}
	return &Runtime{
		log:       cfg.log.With(slog.String("component", "runtime")),
		events:    events,
		registry:  registry,
		snapshots: cfg.snapshots,
		cache:     cache.NewTyped[*Aggregate](c),
		loads:     sf.New[*Aggregate](),
		metrics:   cfg.metrics,
		tracer:    cfg.tracer,
		seed:      maphash.MakeSeed(),
	}
}

func (r *Runtime) epoch(key string) *atomic.Uint64 {
	return &r.epochs[maphash.String(r.seed, key)%epochStripes]
}

func cacheKey(aggregateType, aggregateID string) string {
	return aggregateType + "/" + aggregateID
}

// Load returns the aggregate, serving it from the cache when possible.
// The caller owns the returned value.
func (r *Runtime) Load(ctx context.Context, aggregateID, aggregateType string) (*Aggregate, error) {
	def, err := r.registry.Lookup(aggregateType)
	if err != nil {
		return nil, err
	}

	key := cacheKey(aggregateType, aggregateID)
	if agg, ok := r.cache.Get(key); ok {
		r.metrics.CacheHit(aggregateType)
		return agg.clone(), nil
	}
	r.metrics.CacheMiss(aggregateType)

	agg, _, err := r.loads.DoContext(ctx, key, func(ctx context.Context) (*Aggregate, error) {
		epoch := r.epoch(key)
		before := epoch.Load()
		agg, err := r.hydrate(ctx, def, aggregateID)
		if err != nil {
			return nil, err
		}
		if epoch.Load() == before {
			r.cache.Put(key, agg)
			if epoch.Load() != before {
				r.cache.Delete(key)
			}
		}
		return agg, nil
	})
	if err != nil {
		return nil, err
	}
	return agg.clone(), nil
}

// LoadFresh hydrates from snapshot and log, bypassing the cache.
func (r *Runtime) LoadFresh(ctx context.Context, aggregateID, aggregateType string) (*Aggregate, error) {
	def, err := r.registry.Lookup(aggregateType)
	if err != nil {
		return nil, err
	}
	return r.hydrate(ctx, def, aggregateID)
}

// Invalidate drops the cached aggregate. Writers call it after every
// append attempt.
func (r *Runtime) Invalidate(aggregateID, aggregateType string) {
	key := cacheKey(aggregateType, aggregateID)
	r.epoch(key).Add(1)
	r.loads.Forget(key)
	r.cache.Delete(key)
}

// Registry returns the aggregate registry the runtime resolves types with.
func (r *Runtime) Registry() *Registry { return r.registry }

func (r *Runtime) hydrate(ctx context.Context, def AggregateDefinition, aggregateID string) (agg *Aggregate, err error) {
	ctx, end := r.tracer.Start(ctx, "es.load",
		slog.String("aggregate_type", def.Name()),
		slog.String("aggregate_id", aggregateID),
	)
	defer func() { end(err) }()
	defer r.metrics.LoadDuration(def.Name()).ObserveDuration()

	agg = &Aggregate{ID: aggregateID, Type: def.Name(), State: def.Initial()}
	r.restoreSnapshot(ctx, def, agg)

	events, err := r.events.Load(ctx, aggregateID, agg.Version+1, 0)
	if err != nil {
		return nil, fmt.Errorf("load events of %s/%s: %w", def.Name(), aggregateID, err)
	}
	if err := Replay(def, agg, events); err != nil {
		return nil, err
	}
	r.metrics.EventsReplayed(def.Name(), len(events))

	r.log.Debug("aggregate loaded", agg.SlogAttr(), slog.Int("replayed", len(events)))
	return agg, nil
}

// restoreSnapshot moves agg to the latest snapshot. Unreadable snapshots
// are logged and ignored; the log is authoritative.
func (r *Runtime) restoreSnapshot(ctx context.Context, def AggregateDefinition, agg *Aggregate) {
	if r.snapshots == nil {
		return
	}
	snap, err := r.snapshots.GetLatest(ctx, agg.ID)
	if err != nil {
		if !errors.Is(err, ErrSnapshotNotFound) {
			r.log.Warn("snapshot lookup failed", agg.SlogAttr(), slog.Any("error", err))
		}
		return
	}
	if snap.AggregateType != def.Name() {
		r.log.Warn("snapshot type mismatch", agg.SlogAttr(), snap.SlogAttr())
		return
	}
	state, err := def.DecodeState(snap.Data)
	if err != nil {
		r.log.Warn("snapshot unreadable, replaying from start", snap.SlogAttr(), slog.Any("error", err))
		return
	}
	agg.State = state
	agg.Version = snap.Version
	agg.Seq = snap.Seq
	r.metrics.SnapshotLoaded(def.Name())
}

// Replay folds events into agg. Each event must carry the next version;
// anything else is a *ReplayIntegrityError and agg is left unchanged.
func Replay(def AggregateDefinition, agg *Aggregate, events []Event) error {
	state, version, seq := agg.State, agg.Version, agg.Seq
	for _, ev := range events {
		if ev.Version != version+1 {
			return &ReplayIntegrityError{AggregateID: agg.ID, Expected: version + 1, Got: ev.Version}
		}
		next, err := def.Apply(state, ev)
		if err != nil {
			return fmt.Errorf("apply %s v%d to %s/%s: %w", ev.Type, ev.Version, agg.Type, agg.ID, err)
		}
		state, version, seq = next, ev.Version, ev.Seq
	}
	agg.State, agg.Version, agg.Seq = state, version, seq
	return nil
}
