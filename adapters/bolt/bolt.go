// Package bolt persists the event log, snapshots and projection checkpoints
// in a single bbolt file.
//
// Layout:
//
//	events            seq -> event (JSON)
//	aggregates/<id>   version -> seq
//	aggregate_types   id -> aggregate type
//	types/<type>      seq -> nil
//	streams/<name>    position -> seq
//	snapshots/<id>    version -> snapshot (JSON)
//	checkpoints       name -> checkpoint (JSON)
//
// bbolt runs one write transaction at a time, which serializes appends
// across all aggregates.
package bolt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketEvents         = []byte("events")
	bucketAggregates     = []byte("aggregates")
	bucketAggregateTypes = []byte("aggregate_types")
	bucketTypes          = []byte("types")
	bucketStreams        = []byte("streams")
	bucketSnapshots      = []byte("snapshots")
	bucketCheckpoints    = []byte("checkpoints")
)

type Config struct {
	Path    string        // Path of the database file, created if missing
	Log     *slog.Logger  // Log for diagnostics (optional)
	Timeout time.Duration // Timeout waiting for the file lock, 1s by default
}

// DB is an open bbolt file. The stores it hands out share it.
type DB struct {
	db  *bbolt.DB
	log *slog.Logger
}

func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, errors.New("bolt: path is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = time.Second
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	db, err := bbolt.Open(cfg.Path, 0o600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", cfg.Path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketEvents, bucketAggregates, bucketAggregateTypes, bucketTypes,
			bucketStreams, bucketSnapshots, bucketCheckpoints,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: init %s: %w", cfg.Path, err)
	}

	log = log.With(slog.String("store", "bolt"), slog.String("path", cfg.Path))
	log.Debug("opened")
	return &DB{db: db, log: log}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// itob returns an 8-byte big endian representation of v.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
