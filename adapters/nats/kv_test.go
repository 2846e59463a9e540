package nats

import (
	"testing"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/escore/core/es"
	"github.com/codewandler/escore/core/es/estests"
	"github.com/codewandler/escore/ports/kv"
)

func newTestKv(t *testing.T, connect Connector) *KvStore {
	t.Helper()
	bucket := "test_" + gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz0123456789", 10)
	store, err := NewKvStore(t.Context(), KvConfig{Connect: connect, Bucket: bucket, Memory: true})
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestKvStore(t *testing.T) {
	connect := ReuseConnection(NewTestContainer(t))
	store := newTestKv(t, connect)
	ctx := t.Context()

	_, err := store.Get(ctx, "missing")
	require.ErrorIs(t, err, kv.ErrNotFound)

	type fruit struct {
		Name  string
		Count int
	}
	require.NoError(t, kv.Put(ctx, store, kv.Key("fruits", "apple"), fruit{Name: "apple", Count: 10}))
	require.NoError(t, kv.Put(ctx, store, kv.Key("fruits", "pear"), fruit{Name: "pear", Count: 3}))
	require.NoError(t, kv.Put(ctx, store, kv.Key("veg", "leek"), fruit{Name: "leek", Count: 1}))

	v, err := kv.Get[fruit](ctx, store, kv.Key("fruits", "apple"))
	require.NoError(t, err)
	require.Equal(t, fruit{Name: "apple", Count: 10}, v)

	keys, err := store.Keys(ctx, "fruits.")
	require.NoError(t, err)
	require.Equal(t, []string{"fruits.apple", "fruits.pear"}, keys)

	require.NoError(t, store.Delete(ctx, "fruits.apple"))
	require.NoError(t, store.Delete(ctx, "fruits.apple"))
	_, err = store.Get(ctx, "fruits.apple")
	require.ErrorIs(t, err, kv.ErrNotFound)

	keys, err = store.Keys(ctx, "fruits.")
	require.NoError(t, err)
	require.Equal(t, []string{"fruits.pear"}, keys)
}

func TestKvStore_Suites(t *testing.T) {
	connect := ReuseConnection(NewTestContainer(t))

	t.Run("snapshots", func(t *testing.T) {
		estests.RunSnapshotStoreSuite(t, func(t *testing.T) es.SnapshotStore {
			return es.NewKVSnapshotStore(newTestKv(t, connect), "")
		})
	})
	t.Run("checkpoints", func(t *testing.T) {
		estests.RunCheckpointStoreSuite(t, func(t *testing.T) es.CheckpointStore {
			return es.NewKVCheckpointStore(newTestKv(t, connect), "")
		})
	})
}
