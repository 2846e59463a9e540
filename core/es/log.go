package es

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// EventLog is the authoritative, append-only event log.
type EventLog interface {
	// Append atomically checks expected against the aggregate head and
	// stores events as consecutive versions. On a mismatch it returns a
	// *VersionConflictError and stores nothing.
	Append(ctx context.Context, aggregateID, aggregateType string, expected ExpectedVersion, events ...PendingEvent) ([]Event, error)
	// Load returns the aggregate's events with from <= version <= to, in
	// version order. to == 0 reads to the end.
	Load(ctx context.Context, aggregateID string, from, to Version) ([]Event, error)
	// Head returns the aggregate's current version, 0 if it has no events.
	Head(ctx context.Context, aggregateID string) (Version, error)
	// ReadAll returns up to limit events with Seq > afterSeq in Seq order.
	ReadAll(ctx context.Context, afterSeq uint64, limit int) ([]Event, error)
	// ReadByType is ReadAll restricted to one event type.
	ReadByType(ctx context.Context, eventType string, afterSeq uint64, limit int) ([]Event, error)
	// ReadStream returns up to limit events of stream with StreamPosition >
	// afterPosition in position order.
	ReadStream(ctx context.Context, stream string, afterPosition uint64, limit int) ([]Event, error)
	// StreamHead returns the position of the last event on stream.
	StreamHead(ctx context.Context, stream string) (uint64, error)
}

type memAggregate struct {
	mu      sync.Mutex // serializes appends to this aggregate
	aggType string
	seqs    []uint64 // seqs[v-1] is the seq of version v; guarded by InMemoryLog.mu
}

// InMemoryLog is the reference EventLog. Appends to one aggregate are
// serialized by a per-aggregate lock; the global index lock is only held
// while committing, so different aggregates append in parallel.
type InMemoryLog struct {
	log *slog.Logger

	mu         sync.RWMutex
	all        []Event // all[seq-1]
	aggregates map[string]*memAggregate
	byType     map[string][]uint64
	byStream   map[string][]uint64
}

func NewInMemoryLog(opts ...Option) *InMemoryLog {
	cfg := newConfig(opts)
	return &InMemoryLog{
		log:        cfg.log.With(slog.String("log", "memory")),
		aggregates: map[string]*memAggregate{},
		byType:     map[string][]uint64{},
		byStream:   map[string][]uint64{},
	}
}

func (l *InMemoryLog) aggregate(aggregateID string) *memAggregate {
	l.mu.RLock()
	a, ok := l.aggregates[aggregateID]
	l.mu.RUnlock()
	if ok {
		return a
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok = l.aggregates[aggregateID]; !ok {
		a = &memAggregate{}
		l.aggregates[aggregateID] = a
	}
	return a
}

func (l *InMemoryLog) Append(
	ctx context.Context,
	aggregateID, aggregateType string,
	expected ExpectedVersion,
	events ...PendingEvent,
) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a := l.aggregate(aggregateID)
	a.mu.Lock()
	defer a.mu.Unlock()

	l.mu.RLock()
	current := Version(len(a.seqs))
	existingType := a.aggType
	l.mu.RUnlock()

	if current > 0 && existingType != aggregateType {
		return nil, fmt.Errorf("%w: aggregate %s is %s, not %s", ErrAggregateTypeMismatch, aggregateID, existingType, aggregateType)
	}

	stored, err := PrepareAppend(aggregateID, aggregateType, expected, current, events)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	for i := range stored {
		ev := &stored[i]
		ev.Seq = uint64(len(l.all)) + 1
		if ev.StreamName != "" {
			ev.StreamPosition = uint64(len(l.byStream[ev.StreamName])) + 1
			l.byStream[ev.StreamName] = append(l.byStream[ev.StreamName], ev.Seq)
		}
		l.all = append(l.all, *ev)
		l.byType[ev.Type] = append(l.byType[ev.Type], ev.Seq)
		a.seqs = append(a.seqs, ev.Seq)
	}
	a.aggType = aggregateType
	l.mu.Unlock()

	l.log.Debug(
		"append",
		slog.String("aggregate_id", aggregateID),
		stored[len(stored)-1].Version.SlogAttr(),
		slog.Uint64("last_seq", stored[len(stored)-1].Seq),
		slog.Int("num_events", len(stored)),
	)

	return stored, nil
}

func (l *InMemoryLog) Load(ctx context.Context, aggregateID string, from, to Version) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	a, ok := l.aggregates[aggregateID]
	if !ok {
		return nil, nil
	}
	if from < 1 {
		from = 1
	}
	head := Version(len(a.seqs))
	if to == 0 || to > head {
		to = head
	}
	if from > to {
		return nil, nil
	}

	out := make([]Event, 0, to-from+1)
	for v := from; v <= to; v++ {
		out = append(out, l.all[a.seqs[v-1]-1])
	}
	return out, nil
}

func (l *InMemoryLog) Head(ctx context.Context, aggregateID string) (Version, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if a, ok := l.aggregates[aggregateID]; ok {
		return Version(len(a.seqs)), nil
	}
	return 0, nil
}

func (l *InMemoryLog) ReadAll(ctx context.Context, afterSeq uint64, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	if afterSeq >= uint64(len(l.all)) {
		return nil, nil
	}
	tail := l.all[afterSeq:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]Event, len(tail))
	copy(out, tail)
	return out, nil
}

func (l *InMemoryLog) ReadByType(ctx context.Context, eventType string, afterSeq uint64, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	seqs := l.byType[eventType]
	start := sort.Search(len(seqs), func(i int) bool { return seqs[i] > afterSeq })
	return l.collect(seqs[start:], limit), nil
}

func (l *InMemoryLog) ReadStream(ctx context.Context, stream string, afterPosition uint64, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	seqs := l.byStream[stream]
	if afterPosition >= uint64(len(seqs)) {
		return nil, nil
	}
	return l.collect(seqs[afterPosition:], limit), nil
}

func (l *InMemoryLog) StreamHead(ctx context.Context, stream string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.byStream[stream])), nil
}

// collect must be called with l.mu held.
func (l *InMemoryLog) collect(seqs []uint64, limit int) []Event {
	if limit > 0 && len(seqs) > limit {
		seqs = seqs[:limit]
	}
	if len(seqs) == 0 {
		return nil
	}
	out := make([]Event, len(seqs))
	for i, seq := range seqs {
		out[i] = l.all[seq-1]
	}
	return out
}

var _ EventLog = (*InMemoryLog)(nil)
