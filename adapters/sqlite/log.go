package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codewandler/escore/core/es"
)

const eventColumns = `seq, id, type, aggregate_id, aggregate_type, version, stream, stream_position, data, metadata`

// Log is the SQLite EventLog.
type Log struct {
	sqlDB *sql.DB
	log   *slog.Logger
}

func (d *DB) Log() *Log {
	return &Log{sqlDB: d.sqlDB, log: d.log.With(slog.String("component", "log"))}
}

func (l *Log) Append(
	ctx context.Context,
	aggregateID, aggregateType string,
	expected es.ExpectedVersion,
	events ...es.PendingEvent,
) ([]es.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx, err := l.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		current     es.Version
		currentType string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT version, aggregate_type FROM events WHERE aggregate_id = ? ORDER BY version DESC LIMIT 1`,
		aggregateID,
	).Scan(&current, &currentType)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read head of %s: %w", aggregateID, err)
	}
	if current > 0 && currentType != aggregateType {
		return nil, fmt.Errorf("%w: aggregate %s is %s, not %s", es.ErrAggregateTypeMismatch, aggregateID, currentType, aggregateType)
	}

	stored, err := es.PrepareAppend(aggregateID, aggregateType, expected, current, events)
	if err != nil {
		return nil, err
	}

	positions := map[string]uint64{}
	for i := range stored {
		ev := &stored[i]

		var stream sql.NullString
		var position sql.NullInt64
		if ev.StreamName != "" {
			pos, ok := positions[ev.StreamName]
			if !ok {
				if err := tx.QueryRowContext(ctx,
					`SELECT COALESCE(MAX(stream_position), 0) FROM events WHERE stream = ?`, ev.StreamName,
				).Scan(&pos); err != nil {
					return nil, fmt.Errorf("read head of stream %s: %w", ev.StreamName, err)
				}
			}
			pos++
			positions[ev.StreamName] = pos
			ev.StreamPosition = pos
			stream = sql.NullString{String: ev.StreamName, Valid: true}
			position = sql.NullInt64{Int64: int64(pos), Valid: true}
		}

		md, err := json.Marshal(ev.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata of %s: %w", ev.ID, err)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO events (id, type, aggregate_id, aggregate_type, version, stream, stream_position, data, metadata)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.Type, ev.AggregateID, ev.AggregateType, int64(ev.Version), stream, position, []byte(ev.Data), md,
		)
		if err != nil {
			if isConstraintError(err) {
				return nil, fmt.Errorf("%w: event %s already stored: %w", es.ErrInvalidEvent, ev.ID, err)
			}
			return nil, fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("read seq of %s: %w", ev.ID, err)
		}
		ev.Seq = uint64(seq)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	last := stored[len(stored)-1]
	l.log.Debug(
		"append",
		slog.String("aggregate_id", aggregateID),
		last.Version.SlogAttr(),
		slog.Uint64("last_seq", last.Seq),
		slog.Int("num_events", len(stored)),
	)
	return stored, nil
}

func (l *Log) Load(ctx context.Context, aggregateID string, from, to es.Version) ([]es.Event, error) {
	if to == 0 {
		return l.query(ctx,
			`SELECT `+eventColumns+` FROM events WHERE aggregate_id = ? AND version >= ? ORDER BY version`,
			aggregateID, int64(from))
	}
	return l.query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE aggregate_id = ? AND version >= ? AND version <= ? ORDER BY version`,
		aggregateID, int64(from), int64(to))
}

func (l *Log) Head(ctx context.Context, aggregateID string) (es.Version, error) {
	var head es.Version
	err := l.sqlDB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`, aggregateID,
	).Scan(&head)
	return head, err
}

func (l *Log) ReadAll(ctx context.Context, afterSeq uint64, limit int) ([]es.Event, error) {
	return l.query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE seq > ? ORDER BY seq LIMIT ?`,
		int64(afterSeq), limitArg(limit))
}

func (l *Log) ReadByType(ctx context.Context, eventType string, afterSeq uint64, limit int) ([]es.Event, error) {
	return l.query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE type = ? AND seq > ? ORDER BY seq LIMIT ?`,
		eventType, int64(afterSeq), limitArg(limit))
}

func (l *Log) ReadStream(ctx context.Context, stream string, afterPosition uint64, limit int) ([]es.Event, error) {
	return l.query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE stream = ? AND stream_position > ? ORDER BY stream_position LIMIT ?`,
		stream, int64(afterPosition), limitArg(limit))
}

func (l *Log) StreamHead(ctx context.Context, stream string) (uint64, error) {
	var head uint64
	err := l.sqlDB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(stream_position), 0) FROM events WHERE stream = ?`, stream,
	).Scan(&head)
	return head, err
}

func (l *Log) query(ctx context.Context, query string, args ...any) ([]es.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := l.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []es.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(rows *sql.Rows) (es.Event, error) {
	var (
		ev       es.Event
		seq      int64
		version  int64
		stream   sql.NullString
		position sql.NullInt64
		data, md []byte
	)
	if err := rows.Scan(&seq, &ev.ID, &ev.Type, &ev.AggregateID, &ev.AggregateType, &version, &stream, &position, &data, &md); err != nil {
		return ev, fmt.Errorf("scan event: %w", err)
	}
	ev.Seq = uint64(seq)
	ev.Version = es.Version(version)
	ev.StreamName = stream.String
	ev.StreamPosition = uint64(position.Int64)
	ev.Data = data
	if err := json.Unmarshal(md, &ev.Metadata); err != nil {
		return ev, fmt.Errorf("decode metadata of %s: %w", ev.ID, err)
	}
	return ev, nil
}

var _ es.EventLog = (*Log)(nil)
