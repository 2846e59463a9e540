package es

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/codewandler/escore/ports/kv"
)

// Checkpoint is the persisted progress of a projection: the seq of the
// last examined event and, when the handler has a StateCodec, its state.
type Checkpoint struct {
	Name      string          `json:"name"`
	Offset    uint64          `json:"offset"`
	State     json.RawMessage `json:"state,omitempty"`
	Errors    uint64          `json:"errors"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type CheckpointStore interface {
	// Load returns the checkpoint or ErrCheckpointNotFound.
	Load(ctx context.Context, name string) (*Checkpoint, error)
	Save(ctx context.Context, cp *Checkpoint) error
}

type InMemoryCheckpointStore struct {
	mu  sync.RWMutex
	cps map[string]Checkpoint
}

func NewInMemoryCheckpointStore() *InMemoryCheckpointStore {
	return &InMemoryCheckpointStore{cps: map[string]Checkpoint{}}
}

func (s *InMemoryCheckpointStore) Load(_ context.Context, name string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.cps[name]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	return &cp, nil
}

func (s *InMemoryCheckpointStore) Save(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cps[cp.Name] = *cp
	return nil
}

// KVCheckpointStore keeps checkpoints in a kv.Store under
// "<prefix>.<name>".
type KVCheckpointStore struct {
	kv     kv.Store
	prefix string
}

func NewKVCheckpointStore(store kv.Store, prefix string) *KVCheckpointStore {
	if prefix == "" {
		prefix = "checkpoints"
	}
	return &KVCheckpointStore{kv: store, prefix: prefix}
}

func (s *KVCheckpointStore) Load(ctx context.Context, name string) (*Checkpoint, error) {
	cp, err := kv.Get[*Checkpoint](ctx, s.kv, kv.Key(s.prefix, name))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrCheckpointNotFound
	}
	return cp, err
}

func (s *KVCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	return kv.Put(ctx, s.kv, kv.Key(s.prefix, cp.Name), cp)
}

var (
	_ CheckpointStore = (*InMemoryCheckpointStore)(nil)
	_ CheckpointStore = (*KVCheckpointStore)(nil)
)
