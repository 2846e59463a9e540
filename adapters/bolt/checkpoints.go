package bolt

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/codewandler/escore/core/es"
)

type CheckpointStore struct {
	db *bbolt.DB
}

func (d *DB) Checkpoints() *CheckpointStore { return &CheckpointStore{db: d.db} }

func (s *CheckpointStore) Load(ctx context.Context, name string) (*es.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var cp *es.Checkpoint
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketCheckpoints).Get([]byte(name))
		if data == nil {
			return es.ErrCheckpointNotFound
		}
		cp = &es.Checkpoint{}
		return json.Unmarshal(data, cp)
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func (s *CheckpointStore) Save(ctx context.Context, cp *es.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cp.Name, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).Put([]byte(cp.Name), data)
	})
}

var _ es.CheckpointStore = (*CheckpointStore)(nil)
