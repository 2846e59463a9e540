package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codewandler/escore/core/es"
)

// SnapshotStore keeps one row per aggregate and version. The body is the
// JSON encoded snapshot.
type SnapshotStore struct {
	sqlDB *sql.DB
}

func (d *DB) Snapshots() *SnapshotStore { return &SnapshotStore{sqlDB: d.sqlDB} }

func (s *SnapshotStore) Put(ctx context.Context, snap *es.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.ID, err)
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshots (aggregate_id, version, body) VALUES (?, ?, ?)`,
		snap.AggregateID, int64(snap.Version), body,
	)
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", snap.ID, err)
	}
	return nil
}

func (s *SnapshotStore) GetLatest(ctx context.Context, aggregateID string) (*es.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var body []byte
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT body FROM snapshots WHERE aggregate_id = ? ORDER BY version DESC LIMIT 1`,
		aggregateID,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, es.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot of %s: %w", aggregateID, err)
	}
	snap := &es.Snapshot{}
	if err := json.Unmarshal(body, snap); err != nil {
		return nil, fmt.Errorf("decode snapshot of %s: %w", aggregateID, err)
	}
	return snap, nil
}

func (s *SnapshotStore) DeleteOlderThan(ctx context.Context, aggregateID string, keep int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if keep < 0 {
		return 0, nil
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM snapshots
		 WHERE aggregate_id = ?
		   AND version NOT IN (
		     SELECT version FROM snapshots WHERE aggregate_id = ? ORDER BY version DESC LIMIT ?
		   )`,
		aggregateID, aggregateID, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots of %s: %w", aggregateID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

var _ es.SnapshotStore = (*SnapshotStore)(nil)
