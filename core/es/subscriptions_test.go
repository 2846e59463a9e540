package es

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type collector struct {
	mu        sync.Mutex
	positions []uint64
}

func (c *collector) handle(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions = append(c.positions, ev.StreamPosition)
	return nil
}

func (c *collector) get() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.positions...)
}

func appendStream(t *testing.T, log EventLog, n int) []Event {
	t.Helper()
	var all []Event
	for i := range n {
		stored, err := log.Append(t.Context(), "t-1", "tally", Any(), add(i, OnStream("tallies")))
		require.NoError(t, err)
		all = append(all, stored...)
	}
	return all
}

func TestSubscriptions_FromPosition(t *testing.T) {
	log := NewInMemoryLog()
	subs := NewSubscriptions(log)
	defer subs.Close()
	appendStream(t, log, 10)

	var c collector
	_, err := subs.Subscribe(t.Context(), "tallies", c.handle, WithFromPosition(6))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(c.get()) == 4 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []uint64{7, 8, 9, 10}, c.get())
}

func TestSubscriptions_WithoutCatchUpOnlySeesNewEvents(t *testing.T) {
	log := NewInMemoryLog()
	subs := NewSubscriptions(log)
	defer subs.Close()
	appendStream(t, log, 5)

	var c collector
	id, err := subs.Subscribe(t.Context(), "tallies", c.handle, WithCatchUp(false))
	require.NoError(t, err)

	pos, err := subs.Position(id)
	require.NoError(t, err)
	require.Equal(t, uint64(5), pos)

	subs.Notify(appendStream(t, log, 3)...)
	require.Eventually(t, func() bool { return len(c.get()) == 3 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []uint64{6, 7, 8}, c.get())
}

func TestSubscriptions_FillsGapsAndDropsDuplicates(t *testing.T) {
	log := NewInMemoryLog()
	subs := NewSubscriptions(log, WithQueueSize(1))
	defer subs.Close()

	var c collector
	id, err := subs.Subscribe(t.Context(), "tallies", c.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := subs.State(id)
		return s == SubscriptionLive
	}, time.Second, time.Millisecond)

	events := appendStream(t, log, 50)
	subs.Notify(events[40:]...)
	subs.Notify(events...)
	subs.Notify(events...)

	require.Eventually(t, func() bool { return len(c.get()) >= 50 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	got := c.get()
	require.Len(t, got, 50)
	for i, p := range got {
		require.Equal(t, uint64(i+1), p)
	}
}

func TestSubscriptions_CallbackFailuresDoNotStopDelivery(t *testing.T) {
	log := NewInMemoryLog()
	subs := NewSubscriptions(log)
	defer subs.Close()
	appendStream(t, log, 4)

	var delivered atomic.Int32
	_, err := subs.Subscribe(t.Context(), "tallies", func(_ context.Context, ev Event) error {
		delivered.Add(1)
		switch ev.StreamPosition {
		case 2:
			return errors.New("nope")
		case 3:
			panic("boom")
		}
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return delivered.Load() == 4 }, time.Second, 5*time.Millisecond)
}

func TestSubscriptions_Filter(t *testing.T) {
	log := NewInMemoryLog()
	subs := NewSubscriptions(log)
	defer subs.Close()
	appendStream(t, log, 6)

	var c collector
	id, err := subs.Subscribe(t.Context(), "tallies", c.handle, WithFilter(func(ev Event) bool {
		return ev.StreamPosition%2 == 0
	}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p, _ := subs.Position(id)
		return p == 6
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []uint64{2, 4, 6}, c.get())
}

func TestSubscriptions_Unsubscribe(t *testing.T) {
	log := NewInMemoryLog()
	subs := NewSubscriptions(log)
	defer subs.Close()

	var c collector
	id, err := subs.Subscribe(t.Context(), "tallies", c.handle)
	require.NoError(t, err)

	subs.Notify(appendStream(t, log, 2)...)
	require.Eventually(t, func() bool { return len(c.get()) == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, subs.Unsubscribe(id))
	require.ErrorIs(t, subs.Unsubscribe(id), ErrSubscriptionNotFound)

	subs.Notify(appendStream(t, log, 2)...)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, c.get(), 2)
}

func TestSubscriptions_ContextCancelUnsubscribes(t *testing.T) {
	log := NewInMemoryLog()
	subs := NewSubscriptions(log)
	defer subs.Close()

	ctx, cancel := context.WithCancel(t.Context())
	var c collector
	id, err := subs.Subscribe(ctx, "tallies", c.handle)
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool {
		_, err := subs.State(id)
		return errors.Is(err, ErrSubscriptionNotFound)
	}, time.Second, 5*time.Millisecond)
}
