package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/codewandler/escore/core/es"
)

type CheckpointStore struct {
	sqlDB *sql.DB
}

func (d *DB) Checkpoints() *CheckpointStore { return &CheckpointStore{sqlDB: d.sqlDB} }

func (s *CheckpointStore) Load(ctx context.Context, name string) (*es.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		cp        = &es.Checkpoint{Name: name}
		offset    int64
		numErrors int64
		updatedAt int64
		state     []byte
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT last_seq, state, errors, updated_at FROM checkpoints WHERE name = ?`, name,
	).Scan(&offset, &state, &numErrors, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, es.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", name, err)
	}
	cp.Offset = uint64(offset)
	cp.Errors = uint64(numErrors)
	cp.UpdatedAt = fromMillis(updatedAt)
	if len(state) > 0 {
		cp.State = state
	}
	return cp, nil
}

func (s *CheckpointStore) Save(ctx context.Context, cp *es.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var state []byte
	if len(cp.State) > 0 {
		state = cp.State
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO checkpoints (name, last_seq, state, errors, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   last_seq = excluded.last_seq,
		   state = excluded.state,
		   errors = excluded.errors,
		   updated_at = excluded.updated_at`,
		cp.Name, int64(cp.Offset), state, int64(cp.Errors), toMillis(cp.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.Name, err)
	}
	return nil
}

var _ es.CheckpointStore = (*CheckpointStore)(nil)
