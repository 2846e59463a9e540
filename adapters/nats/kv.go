package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/escore/ports/kv"
)

const defaultKvBucket = "escore"

type KvConfig struct {
	Connect  Connector    // Connect creates the NATS connection. If nil, ConnectDefault() is used.
	Log      *slog.Logger // Log for diagnostics (optional)
	Bucket   string       // Bucket name, "escore" by default
	MaxBytes int64        // MaxBytes caps the bucket size; 0 means unlimited
	Memory   bool         // Memory selects memory storage instead of file storage
}

// KvStore implements kv.Store on a JetStream key/value bucket.
type KvStore struct {
	kv      jetstream.KeyValue
	closeNc closeFunc
	log     *slog.Logger
}

func NewKvStore(ctx context.Context, cfg KvConfig) (*KvStore, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = defaultKvBucket
	}
	storage := jetstream.FileStorage
	if cfg.Memory {
		storage = jetstream.MemoryStorage
	}
	maxBytes := cfg.MaxBytes
	if maxBytes == 0 {
		maxBytes = -1
	}

	bkt, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   bucket,
		Storage:  storage,
		MaxBytes: maxBytes,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("ensure kv bucket %s: %w", bucket, err)
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	return &KvStore{
		kv:      bkt,
		closeNc: closeNc,
		log:     log.With(slog.String("store", "nats_kv"), slog.String("bucket", bucket)),
	}, nil
}

func (k *KvStore) Put(ctx context.Context, key string, value []byte) error {
	if _, err := k.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (k *KvStore) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := k.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, kv.ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return entry.Value(), nil
}

func (k *KvStore) Delete(ctx context.Context, key string) error {
	if err := k.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Keys lists the live keys of the bucket that start with prefix.
func (k *KvStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	lister, err := k.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer func() { _ = lister.Stop() }()

	var keys []string
	for key := range lister.Keys() {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (k *KvStore) Close() {
	k.closeNc()
	k.log.Debug("closed kv store")
}

var _ kv.Store = (*KvStore)(nil)
