package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.etcd.io/bbolt"

	"github.com/codewandler/escore/core/es"
)

// Log is the bbolt EventLog.
type Log struct {
	db  *bbolt.DB
	log *slog.Logger
}

func (d *DB) Log() *Log {
	return &Log{db: d.db, log: d.log.With(slog.String("component", "log"))}
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

	var stored []es.Event
	err := l.db.Update(func(tx *bbolt.Tx) error {
		aggKey := []byte(aggregateID)

		var current es.Version
		if b := tx.Bucket(bucketAggregates).Bucket(aggKey); b != nil {
			if k, _ := b.Cursor().Last(); k != nil {
				current = es.Version(btoi(k))
			}
		}
		if aggregateID != "" && current > 0 {
			if existing := tx.Bucket(bucketAggregateTypes).Get(aggKey); existing != nil && string(existing) != aggregateType {
				return fmt.Errorf("%w: aggregate %s is %s, not %s", es.ErrAggregateTypeMismatch, aggregateID, existing, aggregateType)
			}
		}

		var err error
		stored, err = es.PrepareAppend(aggregateID, aggregateType, expected, current, events)
		if err != nil {
			return err
		}

		aggBucket, err := tx.Bucket(bucketAggregates).CreateBucketIfNotExists(aggKey)
		if err != nil {
			return err
		}
		eventsBucket := tx.Bucket(bucketEvents)

		for i := range stored {
			ev := &stored[i]
			if ev.Seq, err = eventsBucket.NextSequence(); err != nil {
				return err
			}
			if ev.StreamName != "" {
				sb, err := tx.Bucket(bucketStreams).CreateBucketIfNotExists([]byte(ev.StreamName))
				if err != nil {
					return err
				}
				if ev.StreamPosition, err = sb.NextSequence(); err != nil {
					return err
				}
				if err := sb.Put(itob(ev.StreamPosition), itob(ev.Seq)); err != nil {
					return err
				}
			}
			tb, err := tx.Bucket(bucketTypes).CreateBucketIfNotExists([]byte(ev.Type))
			if err != nil {
				return err
			}
			if err := tb.Put(itob(ev.Seq), []byte{}); err != nil {
				return err
			}

			data, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("encode event %s: %w", ev.ID, err)
			}
			if err := eventsBucket.Put(itob(ev.Seq), data); err != nil {
				return err
			}
			if err := aggBucket.Put(itob(uint64(ev.Version)), itob(ev.Seq)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketAggregateTypes).Put(aggKey, []byte(aggregateType))
	})
	if err != nil {
		return nil, err
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
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if from < 1 {
		from = 1
	}

	var out []es.Event
	err := l.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAggregates).Bucket([]byte(aggregateID))
		if b == nil {
			return nil
		}
		eventsBucket := tx.Bucket(bucketEvents)
		c := b.Cursor()
		for k, seq := c.Seek(itob(uint64(from))); k != nil; k, seq = c.Next() {
			if to > 0 && es.Version(btoi(k)) > to {
				break
			}
			ev, err := decodeEvent(eventsBucket, seq)
			if err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	return out, err
}

func (l *Log) Head(ctx context.Context, aggregateID string) (es.Version, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var head es.Version
	err := l.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(bucketAggregates).Bucket([]byte(aggregateID)); b != nil {
			if k, _ := b.Cursor().Last(); k != nil {
				head = es.Version(btoi(k))
			}
		}
		return nil
	})
	return head, err
}

func (l *Log) ReadAll(ctx context.Context, afterSeq uint64, limit int) ([]es.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []es.Event
	err := l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Seek(itob(afterSeq + 1)); k != nil; k, v = c.Next() {
			var ev es.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("decode event seq %d: %w", btoi(k), err)
			}
			out = append(out, ev)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (l *Log) ReadByType(ctx context.Context, eventType string, afterSeq uint64, limit int) ([]es.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []es.Event
	err := l.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTypes).Bucket([]byte(eventType))
		if b == nil {
			return nil
		}
		eventsBucket := tx.Bucket(bucketEvents)
		c := b.Cursor()
		for k, _ := c.Seek(itob(afterSeq + 1)); k != nil; k, _ = c.Next() {
			ev, err := decodeEvent(eventsBucket, k)
			if err != nil {
				return err
			}
			out = append(out, ev)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (l *Log) ReadStream(ctx context.Context, stream string, afterPosition uint64, limit int) ([]es.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []es.Event
	err := l.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketStreams).Bucket([]byte(stream))
		if b == nil {
			return nil
		}
		eventsBucket := tx.Bucket(bucketEvents)
		c := b.Cursor()
		for k, seq := c.Seek(itob(afterPosition + 1)); k != nil; k, seq = c.Next() {
			ev, err := decodeEvent(eventsBucket, seq)
			if err != nil {
				return err
			}
			out = append(out, ev)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (l *Log) StreamHead(ctx context.Context, stream string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var head uint64
	err := l.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(bucketStreams).Bucket([]byte(stream)); b != nil {
			head = b.Sequence()
		}
		return nil
	})
	return head, err
}

func decodeEvent(events *bbolt.Bucket, seq []byte) (es.Event, error) {
	var ev es.Event
	data := events.Get(seq)
	if data == nil {
		return ev, fmt.Errorf("event seq %d is indexed but missing", btoi(seq))
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decode event seq %d: %w", btoi(seq), err)
	}
	return ev, nil
}

var _ es.EventLog = (*Log)(nil)
