// Package perkey serializes work per key while allowing work for different
// keys to execute concurrently.
//
// The command dispatcher uses it to queue commands that target the same
// aggregate instead of letting them race into version conflicts. Aggregate
// IDs are unbounded, so idle workers retire after a timeout.
package perkey

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrSchedulerClosed is returned when Do is called on a closed scheduler.
var ErrSchedulerClosed = errors.New("perkey: scheduler is closed")

// Option configures a Scheduler.
type Option func(*config)

type config struct {
	bufferSize  int
	idleTimeout time.Duration
}

// WithBufferSize sets the task buffer size per worker (default: 64).
func WithBufferSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

// WithIdleTimeout sets how long a key's worker stays alive without work
// (default: 30s).
func WithIdleTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.idleTimeout = d
		}
	}
}

// Scheduler runs tasks such that for any given key K, tasks are executed
// sequentially in submission order. Tasks for different keys run in
// parallel.
type Scheduler[K comparable] struct {
	mu      sync.Mutex
	workers map[K]*worker
	closed  bool
	wg      sync.WaitGroup // in-flight Do calls
	cfg     config
}

type worker struct {
	tasks   chan *task
	pending int // guarded by Scheduler.mu
}

type task struct {
	fn   func() error
	done chan error
}

// New creates a new Scheduler.
func New[K comparable](opts ...Option) *Scheduler[K] {
	cfg := config{bufferSize: 64, idleTimeout: 30 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Scheduler[K]{
		workers: make(map[K]*worker),
		cfg:     cfg,
	}
}

// Do schedules fn for key and blocks until it finished.
func (s *Scheduler[K]) Do(key K, fn func() error) error {
	return s.DoContext(context.Background(), key, fn)
}

// DoContext is like Do but stops waiting when ctx is done. A task that was
// already enqueued still executes.
func (s *Scheduler[K]) DoContext(ctx context.Context, key K, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.wg.Add(1)
	defer s.wg.Done()
	w := s.getOrCreateWorkerLocked(key)
	w.pending++
	s.mu.Unlock()

	t := &task{
		fn:   fn,
		done: make(chan error, 1),
	}

	select {
	case w.tasks <- t:
	case <-ctx.Done():
		s.mu.Lock()
		w.pending--
		s.mu.Unlock()
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of live key workers.
func (s *Scheduler[K]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Close stops accepting tasks, waits for in-flight Do calls and shuts the
// workers down. Queued tasks are still processed.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	for _, w := range s.workers {
		close(w.tasks)
	}
	s.workers = map[K]*worker{}
	s.mu.Unlock()
}

func (s *Scheduler[K]) getOrCreateWorkerLocked(key K) *worker {
	if w, ok := s.workers[key]; ok {
		return w
	}

	w := &worker{tasks: make(chan *task, s.cfg.bufferSize)}
	s.workers[key] = w
	go s.runWorker(key, w)

	return w
}

func (s *Scheduler[K]) runWorker(key K, w *worker) {
	idle := time.NewTimer(s.cfg.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case t, ok := <-w.tasks:
			if !ok {
				return
			}
			t.done <- runTask(t.fn)
			s.mu.Lock()
			w.pending--
			s.mu.Unlock()
			idle.Reset(s.cfg.idleTimeout)
		case <-idle.C:
			if s.retire(key, w) {
				return
			}
			idle.Reset(s.cfg.idleTimeout)
		}
	}
}

// retire removes w when nothing is queued or about to be queued for key.
func (s *Scheduler[K]) retire(key K, w *worker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || w.pending > 0 {
		return false
	}
	if cur, ok := s.workers[key]; ok && cur == w {
		delete(s.workers, key)
	}
	return true
}

func runTask(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("perkey: task panicked: %v", r)
		}
	}()
	return fn()
}
