package bolt

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/codewandler/escore/core/es"
)

// SnapshotStore keeps snapshots in snapshots/<aggregate id>, keyed by
// version.
type SnapshotStore struct {
	db *bbolt.DB
}

func (d *DB) Snapshots() *SnapshotStore { return &SnapshotStore{db: d.db} }

func (s *SnapshotStore) Put(ctx context.Context, snap *es.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.ID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketSnapshots).CreateBucketIfNotExists([]byte(snap.AggregateID))
		if err != nil {
			return err
		}
		return b.Put(itob(uint64(snap.Version)), data)
	})
}

func (s *SnapshotStore) GetLatest(ctx context.Context, aggregateID string) (*es.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var snap *es.Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSnapshots).Bucket([]byte(aggregateID))
		if b == nil {
			return es.ErrSnapshotNotFound
		}
		_, data := b.Cursor().Last()
		if data == nil {
			return es.ErrSnapshotNotFound
		}
		snap = &es.Snapshot{}
		return json.Unmarshal(data, snap)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *SnapshotStore) DeleteOlderThan(ctx context.Context, aggregateID string, keep int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSnapshots).Bucket([]byte(aggregateID))
		if b == nil || keep < 0 {
			return nil
		}
		n := b.Stats().KeyN
		if n <= keep {
			return nil
		}
		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && len(stale) < n-keep; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

var _ es.SnapshotStore = (*SnapshotStore)(nil)
