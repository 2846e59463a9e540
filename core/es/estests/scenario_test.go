package estests

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/escore/core/es"
	"github.com/codewandler/escore/core/es/estests/domain"
)

type countingMetrics struct {
	es.Metrics
	replayed atomic.Int64
	created  atomic.Int64
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{Metrics: es.NopMetrics()}
}

func (m *countingMetrics) EventsReplayed(_ string, n int) { m.replayed.Add(int64(n)) }
func (m *countingMetrics) SnapshotCreated(string)         { m.created.Add(1) }

func newStore(t *testing.T, opts ...es.Option) *es.Store {
	t.Helper()
	s := es.NewStore(es.NewInMemoryLog(), domain.Registry(), opts...)
	t.Cleanup(s.Close)
	return s
}

func TestUserAggregateScenario(t *testing.T) {
	store := newStore(t)
	ctx := t.Context()

	stored, err := store.Append(ctx, "A", domain.UserType, es.Exact(0), domain.Created("ada@example.com", "Ada"))
	require.NoError(t, err)
	require.Equal(t, es.Version(1), stored[0].Version)

	_, err = store.Append(ctx, "A", domain.UserType, es.Exact(0), domain.Updated("Ada L."))
	require.ErrorIs(t, err, es.ErrVersionConflict)

	stored, err = store.Append(ctx, "A", domain.UserType, es.Exact(1), domain.Updated("Ada L."))
	require.NoError(t, err)
	require.Equal(t, es.Version(2), stored[0].Version)

	agg, err := store.Load(ctx, "A", domain.UserType)
	require.NoError(t, err)
	require.Equal(t, es.Version(2), agg.Version)

	user, err := es.StateOf[domain.User](agg)
	require.NoError(t, err)
	require.Equal(t, "Ada L.", user.Name)
	require.Equal(t, "ada@example.com", user.Email)
	require.True(t, user.Active)
}

func TestSnapshotIntervalScenario(t *testing.T) {
	snapshots := es.NewInMemorySnapshotStore()
	m := newCountingMetrics()
	store := newStore(t,
		es.WithSnapshotStore(snapshots),
		es.WithSnapshotPolicy(100, 2),
		es.WithMetrics(m),
	)
	ctx := t.Context()

	for i := range 250 {
		_, err := store.Append(ctx, "c-1", domain.CounterType, es.Exact(es.Version(i)), domain.Inc(1))
		require.NoError(t, err)
	}

	list := snapshots.List("c-1")
	require.Len(t, list, 2)
	require.Equal(t, es.Version(100), list[0].Version)
	require.Equal(t, es.Version(200), list[1].Version)
	require.EqualValues(t, 2, m.created.Load())

	m.replayed.Store(0)
	agg, err := store.Runtime().LoadFresh(ctx, "c-1", domain.CounterType)
	require.NoError(t, err)
	require.Equal(t, es.Version(250), agg.Version)
	require.EqualValues(t, 50, m.replayed.Load())

	counter, err := es.StateOf[domain.Counter](agg)
	require.NoError(t, err)
	require.Equal(t, 250, counter.Value)
	require.Equal(t, 250, counter.NumTotalEvents)
}

func TestSnapshotRetention(t *testing.T) {
	snapshots := es.NewInMemorySnapshotStore()
	store := newStore(t, es.WithSnapshotStore(snapshots), es.WithSnapshotPolicy(10, 2))

	for i := range 55 {
		_, err := store.Append(t.Context(), "c-1", domain.CounterType, es.Exact(es.Version(i)), domain.Inc(1))
		require.NoError(t, err)
	}

	list := snapshots.List("c-1")
	require.Len(t, list, 2)
	require.Equal(t, es.Version(40), list[0].Version)
	require.Equal(t, es.Version(50), list[1].Version)
}

func TestForcedSnapshot(t *testing.T) {
	snapshots := es.NewInMemorySnapshotStore()
	store := newStore(t, es.WithSnapshotStore(snapshots))
	ctx := t.Context()

	_, err := store.Append(ctx, "c-1", domain.CounterType, es.NoStream(), domain.Inc(2), domain.Inc(3))
	require.NoError(t, err)

	// no interval configured: nothing happens on its own
	res, err := store.Snapshotter().MaybeSnapshot(ctx, "c-1", domain.CounterType, false)
	require.NoError(t, err)
	require.False(t, res.Created)

	res, err = store.Snapshotter().MaybeSnapshot(ctx, "c-1", domain.CounterType, true)
	require.NoError(t, err)
	require.True(t, res.Created)
	require.Equal(t, es.Version(2), res.Version)

	// nothing new since the last snapshot
	res, err = store.Snapshotter().MaybeSnapshot(ctx, "c-1", domain.CounterType, true)
	require.NoError(t, err)
	require.False(t, res.Created)

	latest, err := store.Snapshotter().LoadLatest(ctx, "c-1")
	require.NoError(t, err)
	require.Equal(t, es.Version(2), latest.Version)
	require.Equal(t, domain.CounterType, latest.AggregateType)
}

func TestReplayEquivalence(t *testing.T) {
	store := newStore(t)
	ctx := t.Context()
	rng := rand.New(rand.NewPCG(1, 2))

	expected := domain.Counter{}
	for i := range 120 {
		var ev es.PendingEvent
		if rng.IntN(10) == 0 {
			ev = domain.Reset()
			expected.Value = 0
			expected.NumResets++
		} else {
			n := rng.IntN(5) + 1
			ev = domain.Inc(n)
			expected.Value += n
			expected.NumIncrements++
		}
		expected.NumTotalEvents++

		_, err := store.Append(ctx, "c-1", domain.CounterType, es.Exact(es.Version(i)), ev)
		require.NoError(t, err)

		agg, err := store.Load(ctx, "c-1", domain.CounterType)
		require.NoError(t, err)
		got, err := es.StateOf[domain.Counter](agg)
		require.NoError(t, err)
		require.Equal(t, expected, got)
		require.Equal(t, es.Version(i+1), agg.Version)
	}
}

func TestSnapshotTransparency(t *testing.T) {
	log := es.NewInMemoryLog()
	registry := domain.Registry()
	snapshots := es.NewInMemorySnapshotStore()

	withSnapshots := es.NewStore(log, registry, es.WithSnapshotStore(snapshots), es.WithSnapshotPolicy(7, 0))
	defer withSnapshots.Close()
	plain := es.NewRuntime(log, registry)

	ctx := t.Context()
	for i := range 40 {
		ev := domain.Inc(i%4 + 1)
		if i%9 == 8 {
			ev = domain.Reset()
		}
		_, err := withSnapshots.Append(ctx, "c-1", domain.CounterType, es.Exact(es.Version(i)), ev)
		require.NoError(t, err)
	}
	require.Len(t, snapshots.List("c-1"), 5)

	fromSnapshot, err := withSnapshots.Runtime().LoadFresh(ctx, "c-1", domain.CounterType)
	require.NoError(t, err)
	fromScratch, err := plain.LoadFresh(ctx, "c-1", domain.CounterType)
	require.NoError(t, err)

	require.Equal(t, fromScratch.Version, fromSnapshot.Version)
	require.Equal(t, fromScratch.State, fromSnapshot.State)
	require.Equal(t, fromScratch.Seq, fromSnapshot.Seq)
}

func usersByEmail() *es.Projection[map[string]string] {
	return es.NewProjection(
		func() map[string]string { return map[string]string{} },
		func(ev es.Event, s map[string]string) (map[string]string, error) {
			next := make(map[string]string, len(s)+1)
			for k, v := range s {
				next[k] = v
			}
			switch ev.Type {
			case domain.UserCreatedType:
				var p domain.UserCreated
				if err := ev.Decode(&p); err != nil {
					return s, err
				}
				next[p.Email] = ev.AggregateID
			}
			return next, nil
		},
	)
}

func TestProjectionFoldDeterminism(t *testing.T) {
	store := newStore(t)
	ctx := t.Context()

	require.NoError(t, store.Projections().Register(ctx, "users-by-email", usersByEmail(),
		es.WithEventTypes(domain.UserCreatedType),
	))

	var last []es.Event
	for i := range 30 {
		var err error
		last, err = store.Append(ctx, fmt.Sprintf("u-%d", i), domain.UserType, es.NoStream(),
			domain.Created(fmt.Sprintf("u%d@example.com", i), "U"),
			domain.Updated("V"),
		)
		require.NoError(t, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, store.Projections().WaitFor(waitCtx, "users-by-email", last[len(last)-1].Seq))

	live, err := es.ProjectionState[map[string]string](store.Projections(), "users-by-email")
	require.NoError(t, err)
	require.Len(t, live, 30)

	require.NoError(t, store.Projections().Rebuild(ctx, "users-by-email"))
	rebuilt, err := es.ProjectionState[map[string]string](store.Projections(), "users-by-email")
	require.NoError(t, err)
	require.Equal(t, live, rebuilt)

	offset, err := store.Projections().Offset("users-by-email")
	require.NoError(t, err)
	require.Equal(t, last[len(last)-1].Seq, offset)
}

func TestSubscriptionCatchUpThenLive(t *testing.T) {
	store := newStore(t)
	ctx := t.Context()

	const existing = 25
	for i := range existing {
		_, err := store.Append(ctx, fmt.Sprintf("u-%d", i), domain.UserType, es.NoStream(), domain.Created(fmt.Sprintf("%d@x", i), "U"))
		require.NoError(t, err)
	}

	var (
		mu        sync.Mutex
		positions []uint64
		release   = make(chan struct{})
	)
	id, err := store.Subscriptions().Subscribe(ctx, domain.UsersStream, func(_ context.Context, ev es.Event) error {
		if ev.StreamPosition == 1 {
			<-release
		}
		mu.Lock()
		positions = append(positions, ev.StreamPosition)
		mu.Unlock()
		return nil
	}, es.WithFromPosition(0), es.WithCatchUp(true))
	require.NoError(t, err)

	state, err := store.Subscriptions().State(id)
	require.NoError(t, err)
	require.Equal(t, es.SubscriptionCatchingUp, state)

	// live events committed while the subscription is still catching up
	for i := existing; i < existing+5; i++ {
		_, err := store.Append(ctx, fmt.Sprintf("u-%d", i), domain.UserType, es.NoStream(), domain.Created(fmt.Sprintf("%d@x", i), "U"))
		require.NoError(t, err)
	}
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(positions) == existing+5
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	for i, p := range positions {
		require.Equal(t, uint64(i+1), p)
	}
	mu.Unlock()

	require.Eventually(t, func() bool {
		s, _ := store.Subscriptions().State(id)
		return s == es.SubscriptionLive
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, store.Subscriptions().Unsubscribe(id))
	_, err = store.Subscriptions().State(id)
	require.ErrorIs(t, err, es.ErrSubscriptionNotFound)
}

func TestSaveRejectsInvalidEventsBeforeWriting(t *testing.T) {
	store := newStore(t)
	ctx := t.Context()

	agg, err := store.Load(ctx, "u-1", domain.UserType)
	require.NoError(t, err)
	require.Equal(t, es.Version(0), agg.Version)

	_, err = store.Save(ctx, agg, domain.Created("a@x", "A"))
	require.NoError(t, err)
	require.Equal(t, es.Version(1), agg.Version)

	// a second UserCreated is rejected by the apply table
	_, err = store.Save(ctx, agg, domain.Created("b@x", "B"))
	require.Error(t, err)

	head, err := store.Log().Head(ctx, "u-1")
	require.NoError(t, err)
	require.Equal(t, es.Version(1), head)
}
