package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/codewandler/escore/ports/kv"
)

// Snapshot is a serialized aggregate state at Version. It is a cache of the
// fold, never authoritative: loading replays every event after Version.
type Snapshot struct {
	ID            string    `json:"id"`
	AggregateID   string    `json:"aggregate_id"`
	AggregateType string    `json:"aggregate_type"`
	Version       Version   `json:"version"`
	Seq           uint64    `json:"seq"` // seq of the last included event
	CreatedAt     time.Time `json:"created_at"`
	Encoding      string    `json:"encoding"`
	Data          []byte    `json:"data"`
}

func (s *Snapshot) SlogAttr() slog.Attr {
	return slog.Group(
		"snapshot",
		slog.String("id", s.ID),
		slog.String("aggregate_type", s.AggregateType),
		slog.String("aggregate_id", s.AggregateID),
		s.Version.SlogAttr(),
		slog.Int("size", len(s.Data)),
	)
}

// SnapshotStore keeps snapshots per aggregate.
type SnapshotStore interface {
	// Put stores s, replacing a snapshot of the same aggregate and version.
	Put(ctx context.Context, s *Snapshot) error
	// GetLatest returns the highest-version snapshot or ErrSnapshotNotFound.
	GetLatest(ctx context.Context, aggregateID string) (*Snapshot, error)
	// DeleteOlderThan keeps the newest keep snapshots of the aggregate and
	// returns how many were removed.
	DeleteOlderThan(ctx context.Context, aggregateID string, keep int) (int, error)
}

// === In-Memory ===

type InMemorySnapshotStore struct {
	mu        sync.Mutex
	snapshots map[string][]*Snapshot // ascending by version
}

func NewInMemorySnapshotStore() *InMemorySnapshotStore {
	return &InMemorySnapshotStore{snapshots: map[string][]*Snapshot{}}
}

func (m *InMemorySnapshotStore) Put(ctx context.Context, s *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.snapshots[s.AggregateID]
	i, found := slices.BinarySearchFunc(list, s.Version, func(e *Snapshot, v Version) int {
		return compareVersion(e.Version, v)
	})
	if found {
		list[i] = s
	} else {
		list = slices.Insert(list, i, s)
	}
	m.snapshots[s.AggregateID] = list
	return nil
}

func (m *InMemorySnapshotStore) GetLatest(ctx context.Context, aggregateID string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.snapshots[aggregateID]
	if len(list) == 0 {
		return nil, ErrSnapshotNotFound
	}
	return list[len(list)-1], nil
}

func (m *InMemorySnapshotStore) DeleteOlderThan(ctx context.Context, aggregateID string, keep int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.snapshots[aggregateID]
	if keep < 0 || len(list) <= keep {
		return 0, nil
	}
	removed := len(list) - keep
	m.snapshots[aggregateID] = slices.Clone(list[removed:])
	return removed, nil
}

// List returns all snapshots of an aggregate, oldest first.
func (m *InMemorySnapshotStore) List(aggregateID string) []*Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.snapshots[aggregateID])
}

// === Key/Value ===

// KVSnapshotStore keeps snapshots in a kv.Store under
// "<prefix>.<aggregate>.<zero-padded version>", so key order is version
// order. With adapters/nats this is a JetStream key/value bucket.
type KVSnapshotStore struct {
	kv     kv.Store
	prefix string
}

func NewKVSnapshotStore(store kv.Store, prefix string) *KVSnapshotStore {
	if prefix == "" {
		prefix = "snapshots"
	}
	return &KVSnapshotStore{kv: store, prefix: prefix}
}

func (k *KVSnapshotStore) aggPrefix(aggregateID string) string {
	return kv.Key(k.prefix, aggregateID) + "."
}

func (k *KVSnapshotStore) key(aggregateID string, v Version) string {
	return k.aggPrefix(aggregateID) + fmt.Sprintf("%020d", uint64(v))
}

func (k *KVSnapshotStore) Put(ctx context.Context, s *Snapshot) error {
	return kv.Put(ctx, k.kv, k.key(s.AggregateID, s.Version), s)
}

func (k *KVSnapshotStore) versions(ctx context.Context, aggregateID string) ([]string, error) {
	keys, err := k.kv.Keys(ctx, k.aggPrefix(aggregateID))
	if err != nil {
		return nil, fmt.Errorf("list snapshots of %s: %w", aggregateID, err)
	}
	slices.Sort(keys)
	return keys, nil
}

func (k *KVSnapshotStore) GetLatest(ctx context.Context, aggregateID string) (*Snapshot, error) {
	keys, err := k.versions(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, ErrSnapshotNotFound
	}
	s, err := kv.Get[*Snapshot](ctx, k.kv, keys[len(keys)-1])
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrSnapshotNotFound
	}
	return s, err
}

func (k *KVSnapshotStore) DeleteOlderThan(ctx context.Context, aggregateID string, keep int) (int, error) {
	keys, err := k.versions(ctx, aggregateID)
	if err != nil {
		return 0, err
	}
	if keep < 0 || len(keys) <= keep {
		return 0, nil
	}
	removed := 0
	for _, key := range keys[:len(keys)-keep] {
		if err := k.kv.Delete(ctx, key); err != nil {
			return removed, fmt.Errorf("delete snapshot %s: %w", key, err)
		}
		removed++
	}
	return removed, nil
}

func compareVersion(a, b Version) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

var (
	_ SnapshotStore = (*InMemorySnapshotStore)(nil)
	_ SnapshotStore = (*KVSnapshotStore)(nil)
)
