package es

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStore_WritePath(t *testing.T) {
	store := NewStore(NewInMemoryLog(), tallyRegistry())
	defer store.Close()
	ctx := t.Context()

	require.NoError(t, store.Projections().Register(ctx, "sum", sumProjection(nil)))

	var (
		mu  sync.Mutex
		got []string
	)
	_, err := store.Subscriptions().Subscribe(ctx, "tallies", func(_ context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.ID)
		return nil
	})
	require.NoError(t, err)

	agg, err := store.Load(ctx, "t-1", "tally")
	require.NoError(t, err)

	stored, err := store.Save(ctx, agg, add(2, OnStream("tallies")), add(3))
	require.NoError(t, err)
	require.Len(t, stored, 2)
	require.Equal(t, Version(2), agg.Version)
	require.Equal(t, tally{Sum: 5, Events: 2}, agg.State)

	// the cached copy was dropped
	reloaded, err := store.Load(ctx, "t-1", "tally")
	require.NoError(t, err)
	require.Equal(t, Version(2), reloaded.Version)

	waitFor(t, store.Projections(), "sum", stored[1].Seq)
	st, err := ProjectionState[tally](store.Projections(), "sum")
	require.NoError(t, err)
	require.Equal(t, 5, st.Sum)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == stored[0].ID
	}, time.Second, 5*time.Millisecond)
}

func TestStore_ConflictInvalidatesCache(t *testing.T) {
	store := NewStore(NewInMemoryLog(), tallyRegistry())
	defer store.Close()
	ctx := t.Context()

	stale, err := store.Load(ctx, "t-1", "tally")
	require.NoError(t, err)

	// another writer goes straight to the log, bypassing invalidation
	_, err = store.Log().Append(ctx, "t-1", "tally", NoStream(), add(1))
	require.NoError(t, err)

	_, err = store.Save(ctx, stale, add(5))
	require.ErrorIs(t, err, ErrVersionConflict)

	fresh, err := store.Load(ctx, "t-1", "tally")
	require.NoError(t, err)
	require.Equal(t, Version(1), fresh.Version)

	_, err = store.Save(ctx, fresh, add(5))
	require.NoError(t, err)
}

func TestStore_UnknownAggregateType(t *testing.T) {
	store := NewStore(NewInMemoryLog(), tallyRegistry())
	defer store.Close()

	_, err := store.Append(t.Context(), "x", "nope", Any(), add(1))
	require.ErrorIs(t, err, ErrUnknownAggregateType)
}
