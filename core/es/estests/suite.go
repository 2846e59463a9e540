// Package estests holds backend conformance suites and end-to-end
// scenarios. Every EventLog, SnapshotStore and CheckpointStore
// implementation runs the same suite from its own package tests:
//
//	func TestLog(t *testing.T) {
//	    estests.RunEventLogSuite(t, func(t *testing.T) es.EventLog { return newLog(t) })
//	}
package estests

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/escore/core/es"
	"github.com/codewandler/escore/core/es/estests/domain"
)

func RunEventLogSuite(t *testing.T, newLog func(t *testing.T) es.EventLog) {
	t.Helper()

	t.Run("append and load", func(t *testing.T) {
		log := newLog(t)
		ctx := t.Context()

		stored, err := log.Append(ctx, "u-1", domain.UserType, es.NoStream(),
			domain.Created("a@b.c", "A"),
			domain.Updated("B"),
		)
		require.NoError(t, err)
		require.Len(t, stored, 2)
		require.Equal(t, es.Version(1), stored[0].Version)
		require.Equal(t, es.Version(2), stored[1].Version)
		require.Less(t, stored[0].Seq, stored[1].Seq)
		require.NotEmpty(t, stored[0].ID)
		require.Equal(t, domain.UserType, stored[0].AggregateType)

		loaded, err := log.Load(ctx, "u-1", 1, 0)
		require.NoError(t, err)
		require.Len(t, loaded, 2)
		require.Equal(t, stored[0].ID, loaded[0].ID)
		require.Equal(t, stored[1].Seq, loaded[1].Seq)
		require.JSONEq(t, `{"email":"a@b.c","name":"A"}`, string(loaded[0].Data))
		require.True(t, stored[0].Metadata.Timestamp.Equal(loaded[0].Metadata.Timestamp))

		tail, err := log.Load(ctx, "u-1", 2, 2)
		require.NoError(t, err)
		require.Len(t, tail, 1)
		require.Equal(t, domain.UserUpdatedType, tail[0].Type)

		none, err := log.Load(ctx, "u-1", 3, 0)
		require.NoError(t, err)
		require.Empty(t, none)

		head, err := log.Head(ctx, "u-1")
		require.NoError(t, err)
		require.Equal(t, es.Version(2), head)
	})

	t.Run("unknown aggregate", func(t *testing.T) {
		log := newLog(t)
		events, err := log.Load(t.Context(), "missing", 1, 0)
		require.NoError(t, err)
		require.Empty(t, events)

		head, err := log.Head(t.Context(), "missing")
		require.NoError(t, err)
		require.Equal(t, es.Version(0), head)
	})

	t.Run("stale expected version conflicts without mutation", func(t *testing.T) {
		log := newLog(t)
		ctx := t.Context()

		_, err := log.Append(ctx, "c-1", domain.CounterType, es.NoStream(), domain.Inc(1), domain.Inc(2))
		require.NoError(t, err)
		before, err := log.ReadAll(ctx, 0, 0)
		require.NoError(t, err)

		_, err = log.Append(ctx, "c-1", domain.CounterType, es.Exact(1), domain.Inc(3))
		require.ErrorIs(t, err, es.ErrVersionConflict)
		require.True(t, es.IsRetryable(err))

		var vce *es.VersionConflictError
		require.ErrorAs(t, err, &vce)
		require.Equal(t, "c-1", vce.AggregateID)
		require.Equal(t, es.Version(2), vce.Actual)

		_, err = log.Append(ctx, "c-1", domain.CounterType, es.NoStream(), domain.Inc(3))
		require.ErrorIs(t, err, es.ErrVersionConflict)

		after, err := log.ReadAll(ctx, 0, 0)
		require.NoError(t, err)
		require.Equal(t, len(before), len(after))

		head, err := log.Head(ctx, "c-1")
		require.NoError(t, err)
		require.Equal(t, es.Version(2), head)
	})

	t.Run("any and exact", func(t *testing.T) {
		log := newLog(t)
		ctx := t.Context()

		_, err := log.Append(ctx, "c-1", domain.CounterType, es.Any(), domain.Inc(1))
		require.NoError(t, err)
		stored, err := log.Append(ctx, "c-1", domain.CounterType, es.Any(), domain.Inc(1))
		require.NoError(t, err)
		require.Equal(t, es.Version(2), stored[0].Version)

		stored, err = log.Append(ctx, "c-1", domain.CounterType, es.Exact(2), domain.Inc(1), domain.Reset(), domain.Inc(4))
		require.NoError(t, err)
		require.Equal(t, es.Version(3), stored[0].Version)
		require.Equal(t, es.Version(5), stored[2].Version)
	})

	t.Run("rejects empty appends and type changes", func(t *testing.T) {
		log := newLog(t)
		ctx := t.Context()

		_, err := log.Append(ctx, "x-1", domain.CounterType, es.Any())
		require.ErrorIs(t, err, es.ErrNoEvents)

		_, err = log.Append(ctx, "x-1", domain.CounterType, es.Any(), domain.Inc(1))
		require.NoError(t, err)
		_, err = log.Append(ctx, "x-1", domain.UserType, es.Any(), domain.Updated("no"))
		require.ErrorIs(t, err, es.ErrAggregateTypeMismatch)
	})

	t.Run("global sequence and type index", func(t *testing.T) {
		log := newLog(t)
		ctx := t.Context()

		for i := range 5 {
			_, err := log.Append(ctx, fmt.Sprintf("u-%d", i), domain.UserType, es.NoStream(), domain.Created(fmt.Sprintf("%d@x", i), "n"))
			require.NoError(t, err)
			_, err = log.Append(ctx, fmt.Sprintf("c-%d", i), domain.CounterType, es.Any(), domain.Inc(i+1))
			require.NoError(t, err)
		}

		all, err := log.ReadAll(ctx, 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 10)
		for i := 1; i < len(all); i++ {
			require.Greater(t, all[i].Seq, all[i-1].Seq)
		}

		page, err := log.ReadAll(ctx, all[3].Seq, 4)
		require.NoError(t, err)
		require.Len(t, page, 4)
		require.Equal(t, all[4].ID, page[0].ID)

		created, err := log.ReadByType(ctx, domain.UserCreatedType, 0, 0)
		require.NoError(t, err)
		require.Len(t, created, 5)
		for _, ev := range created {
			require.Equal(t, domain.UserCreatedType, ev.Type)
		}

		later, err := log.ReadByType(ctx, domain.IncrementedType, created[2].Seq, 2)
		require.NoError(t, err)
		require.Len(t, later, 2)
		require.Greater(t, later[0].Seq, created[2].Seq)

		empty, err := log.ReadAll(ctx, all[9].Seq, 0)
		require.NoError(t, err)
		require.Empty(t, empty)
	})

	t.Run("streams", func(t *testing.T) {
		log := newLog(t)
		ctx := t.Context()

		_, err := log.Append(ctx, "u-1", domain.UserType, es.NoStream(), domain.Created("a@x", "A"), domain.Updated("AA"))
		require.NoError(t, err)
		_, err = log.Append(ctx, "c-1", domain.CounterType, es.NoStream(), domain.Inc(1))
		require.NoError(t, err)
		_, err = log.Append(ctx, "u-2", domain.UserType, es.NoStream(), domain.Created("b@x", "B"))
		require.NoError(t, err)

		events, err := log.ReadStream(ctx, domain.UsersStream, 0, 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, ev := range events {
			require.Equal(t, uint64(i+1), ev.StreamPosition)
			require.Equal(t, domain.UsersStream, ev.StreamName)
		}

		tail, err := log.ReadStream(ctx, domain.UsersStream, 2, 10)
		require.NoError(t, err)
		require.Len(t, tail, 1)
		require.Equal(t, "u-2", tail[0].AggregateID)

		head, err := log.StreamHead(ctx, domain.UsersStream)
		require.NoError(t, err)
		require.Equal(t, uint64(3), head)

		head, err = log.StreamHead(ctx, "nothing")
		require.NoError(t, err)
		require.Zero(t, head)
	})

	t.Run("concurrent appends to one aggregate", func(t *testing.T) {
		log := newLog(t)
		ctx := t.Context()

		var (
			wg        sync.WaitGroup
			succeeded atomic.Int32
			conflicts atomic.Int32
		)
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := log.Append(ctx, "race", domain.CounterType, es.Exact(0), domain.Inc(1))
				switch {
				case err == nil:
					succeeded.Add(1)
				case es.IsRetryable(err):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		require.EqualValues(t, 1, succeeded.Load())
		require.EqualValues(t, 15, conflicts.Load())
	})

	t.Run("concurrent appends across aggregates", func(t *testing.T) {
		log := newLog(t)
		ctx := t.Context()

		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id := fmt.Sprintf("c-%d", i)
				for v := range 10 {
					if _, err := log.Append(ctx, id, domain.CounterType, es.Exact(es.Version(v)), domain.Inc(1)); err != nil {
						t.Errorf("append %s v%d: %v", id, v+1, err)
						return
					}
				}
			}()
		}
		wg.Wait()

		all, err := log.ReadAll(ctx, 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 80)
		seen := map[uint64]bool{}
		for _, ev := range all {
			require.False(t, seen[ev.Seq], "duplicate seq %d", ev.Seq)
			seen[ev.Seq] = true
		}
		for i := range 8 {
			events, err := log.Load(ctx, fmt.Sprintf("c-%d", i), 1, 0)
			require.NoError(t, err)
			require.Len(t, events, 10)
			for j, ev := range events {
				require.Equal(t, es.Version(j+1), ev.Version)
			}
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		log := newLog(t)
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		_, err := log.Append(ctx, "c-1", domain.CounterType, es.Any(), domain.Inc(1))
		require.Error(t, err)
	})
}

func RunSnapshotStoreSuite(t *testing.T, newStore func(t *testing.T) es.SnapshotStore) {
	t.Helper()

	snap := func(aggID string, v es.Version) *es.Snapshot {
		data, _ := json.Marshal(domain.Counter{Value: int(v)})
		return &es.Snapshot{
			ID:            gonanoid.Must(),
			AggregateID:   aggID,
			AggregateType: domain.CounterType,
			Version:       v,
			Seq:           uint64(v) * 10,
			CreatedAt:     time.Now().UTC(),
			Encoding:      "json",
			Data:          data,
		}
	}

	t.Run("latest and retention", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		_, err := s.GetLatest(ctx, "c-1")
		require.ErrorIs(t, err, es.ErrSnapshotNotFound)

		for _, v := range []es.Version{100, 300, 200} {
			require.NoError(t, s.Put(ctx, snap("c-1", v)))
		}
		require.NoError(t, s.Put(ctx, snap("c-10", 999)))

		latest, err := s.GetLatest(ctx, "c-1")
		require.NoError(t, err)
		require.Equal(t, es.Version(300), latest.Version)
		require.Equal(t, uint64(3000), latest.Seq)
		require.JSONEq(t, `{"value":300,"num_increments":0,"num_resets":0,"num_total_events":0}`, string(latest.Data))

		removed, err := s.DeleteOlderThan(ctx, "c-1", 2)
		require.NoError(t, err)
		require.Equal(t, 1, removed)

		removed, err = s.DeleteOlderThan(ctx, "c-1", 2)
		require.NoError(t, err)
		require.Zero(t, removed)

		removed, err = s.DeleteOlderThan(ctx, "c-1", 1)
		require.NoError(t, err)
		require.Equal(t, 1, removed)

		latest, err = s.GetLatest(ctx, "c-1")
		require.NoError(t, err)
		require.Equal(t, es.Version(300), latest.Version)

		other, err := s.GetLatest(ctx, "c-10")
		require.NoError(t, err)
		require.Equal(t, es.Version(999), other.Version)
	})

	t.Run("put replaces same version", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		first := snap("c-1", 5)
		second := snap("c-1", 5)
		require.NoError(t, s.Put(ctx, first))
		require.NoError(t, s.Put(ctx, second))

		latest, err := s.GetLatest(ctx, "c-1")
		require.NoError(t, err)
		require.Equal(t, second.ID, latest.ID)

		removed, err := s.DeleteOlderThan(ctx, "c-1", 0)
		require.NoError(t, err)
		require.Equal(t, 1, removed)
	})
}

func RunCheckpointStoreSuite(t *testing.T, newStore func(t *testing.T) es.CheckpointStore) {
	t.Helper()

	s := newStore(t)
	ctx := t.Context()

	_, err := s.Load(ctx, "users-by-email")
	require.ErrorIs(t, err, es.ErrCheckpointNotFound)

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.Save(ctx, &es.Checkpoint{Name: "users-by-email", Offset: 7, State: json.RawMessage(`{"a":1}`), Errors: 1, UpdatedAt: now}))
	require.NoError(t, s.Save(ctx, &es.Checkpoint{Name: "users-by-email", Offset: 9, State: json.RawMessage(`{"a":2}`), Errors: 2, UpdatedAt: now}))
	require.NoError(t, s.Save(ctx, &es.Checkpoint{Name: "other/name", Offset: 1, UpdatedAt: now}))

	cp, err := s.Load(ctx, "users-by-email")
	require.NoError(t, err)
	require.Equal(t, uint64(9), cp.Offset)
	require.Equal(t, uint64(2), cp.Errors)
	require.JSONEq(t, `{"a":2}`, string(cp.State))
	require.True(t, now.Equal(cp.UpdatedAt))

	other, err := s.Load(ctx, "other/name")
	require.NoError(t, err)
	require.Equal(t, uint64(1), other.Offset)
}
