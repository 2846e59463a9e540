package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/codewandler/escore/adapters/bolt"
	natsadapter "github.com/codewandler/escore/adapters/nats"
	"github.com/codewandler/escore/adapters/sqlite"
	"github.com/codewandler/escore/core/es"
	"github.com/codewandler/escore/internal/config"
)

// backend bundles the stores the Store runs on and the hooks to release
// them.
type backend struct {
	log         es.EventLog
	snapshots   es.SnapshotStore
	checkpoints es.CheckpointStore
	publisher   *natsadapter.Publisher
	closers     []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackend(ctx context.Context, cfg config.Config, log *slog.Logger) (*backend, error) {
	b := &backend{}

	switch cfg.Backend {
	case config.BackendBolt:
		if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
			return nil, err
		}
		db, err := bolt.Open(bolt.Config{Path: cfg.DBFile(), Log: log})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = db.Close() })
		b.log, b.snapshots, b.checkpoints = db.Log(), db.Snapshots(), db.Checkpoints()
	case config.BackendSQLite:
		if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
			return nil, err
		}
		db, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.DBFile(), Log: log})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = db.Close() })
		b.log, b.snapshots, b.checkpoints = db.Log(), db.Snapshots(), db.Checkpoints()
	default:
		b.log = es.NewInMemoryLog(es.WithLogger(log))
		b.snapshots = es.NewInMemorySnapshotStore()
		b.checkpoints = es.NewInMemoryCheckpointStore()
	}

	if cfg.NatsURL == "" {
		return b, nil
	}

	// snapshots and checkpoints move to JetStream, events stay local
	connect := natsadapter.ReuseConnection(natsadapter.ConnectURL(cfg.NatsURL))
	kvStore, err := natsadapter.NewKvStore(ctx, natsadapter.KvConfig{Connect: connect, Log: log})
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("open nats kv: %w", err)
	}
	b.closers = append(b.closers, kvStore.Close)
	b.snapshots = es.NewKVSnapshotStore(kvStore, "snapshots")
	b.checkpoints = es.NewKVCheckpointStore(kvStore, "checkpoints")

	pub, err := natsadapter.NewPublisher(ctx, natsadapter.PublisherConfig{Connect: connect, Log: log})
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("open nats publisher: %w", err)
	}
	b.closers = append(b.closers, pub.Close)
	b.publisher = pub

	return b, nil
}
