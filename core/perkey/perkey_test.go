package perkey

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduler_SequentialPerKey(t *testing.T) {
	s := New[string]()
	defer s.Close()

	var (
		mu  sync.Mutex
		seq []int
		wg  sync.WaitGroup
	)
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do("user-1", func() error {
				mu.Lock()
				seq = append(seq, i)
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				return nil
			})
		}()
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()

	require.Equal(t, []int{0, 1, 2}, seq)
}

func TestScheduler_ParallelAcrossKeys(t *testing.T) {
	s := New[string]()
	defer s.Close()

	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(fmt.Sprintf("user-%d", i), func() error {
				cur := running.Add(1)
				for {
					m := maxRunning.Load()
					if cur <= m || maxRunning.CompareAndSwap(m, cur) {
						break
					}
				}
				time.Sleep(50 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	require.GreaterOrEqual(t, maxRunning.Load(), int32(2))
}

func TestScheduler_ErrorPropagation(t *testing.T) {
	s := New[string]()
	defer s.Close()

	expected := errors.New("task error")
	err := s.Do("key", func() error { return expected })
	require.ErrorIs(t, err, expected)
}

func TestScheduler_PanicBecomesError(t *testing.T) {
	s := New[string]()
	defer s.Close()

	err := s.Do("key", func() error { panic("boom") })
	require.ErrorContains(t, err, "boom")

	// the worker survives
	require.NoError(t, s.Do("key", func() error { return nil }))
}

func TestScheduler_DoContext_Cancelled(t *testing.T) {
	s := New[string]()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.DoContext(ctx, "key", func() error {
		t.Error("task should not execute")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestScheduler_DoContext_Timeout(t *testing.T) {
	s := New[string]()
	defer s.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.Do("key", func() error {
			time.Sleep(200 * time.Millisecond)
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.DoContext(ctx, "key", func() error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)

	wg.Wait()
}

func TestScheduler_Close_NoNewTasks(t *testing.T) {
	s := New[string]()
	s.Close()
	s.Close()

	err := s.Do("key", func() error { return nil })
	require.ErrorIs(t, err, ErrSchedulerClosed)
}

func TestScheduler_Close_DrainsExisting(t *testing.T) {
	s := New[string](WithBufferSize(10))

	var executed atomic.Int32
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do("key", func() error {
				time.Sleep(10 * time.Millisecond)
				executed.Add(1)
				return nil
			})
		}()
	}
	time.Sleep(20 * time.Millisecond)

	s.Close()
	wg.Wait()

	require.EqualValues(t, 5, executed.Load())
}

func TestScheduler_Close_Concurrent(t *testing.T) {
	s := New[string]()

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do("key", func() error { return nil })
		}()
	}
	go func() {
		time.Sleep(time.Millisecond)
		s.Close()
	}()

	wg.Wait()
}

func TestScheduler_IdleWorkersRetire(t *testing.T) {
	s := New[int](WithIdleTimeout(20 * time.Millisecond))
	defer s.Close()

	for i := range 10 {
		require.NoError(t, s.Do(i, func() error { return nil }))
	}
	require.Equal(t, 10, s.Len())

	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)

	// a retired key gets a fresh worker
	require.NoError(t, s.Do(3, func() error { return nil }))
	require.Equal(t, 1, s.Len())
}

func TestScheduler_ManyKeys(t *testing.T) {
	s := New[int]()
	defer s.Close()

	var wg sync.WaitGroup
	var total atomic.Int32
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(i, func() error {
				total.Add(1)
				return nil
			})
		}()
	}
	wg.Wait()

	require.EqualValues(t, 100, total.Load())
}
