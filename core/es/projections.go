package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

type projectionOptions struct {
	eventTypes     []string
	queueSize      int
	foldTimeout    time.Duration
	foldTimeoutSet bool
}

// Projections runs registered projections. Every projection owns a bounded
// queue and a worker goroutine; the write path feeds committed events
// without ever blocking. Each worker keeps a cursor (the seq of the last
// examined event): events at or below it are dropped, and an event beyond
// cursor+1 makes the worker read the missing range from the log first.
// Queue overflow is handled the same way, so every projection sees every
// event exactly once and in seq order.
type Projections struct {
	log         *slog.Logger
	events      EventLog
	checkpoints CheckpointStore
	metrics     Metrics
	tracer      Tracer
	queueSize   int
	foldTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	workers map[string]*projectionWorker
	closed  bool
}

func NewProjections(events EventLog, opts ...Option) *Projections {
	cfg := newConfig(opts)
	cps := cfg.checkpoints
	if cps == nil {
		cps = NewInMemoryCheckpointStore()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Projections{
		log:         cfg.log.With(slog.String("component", "projections")),
		events:      events,
		checkpoints: cps,
		metrics:     cfg.metrics,
		tracer:      cfg.tracer,
		queueSize:   cfg.queueSize,
		foldTimeout: cfg.foldTimeout,
		ctx:         ctx,
		cancel:      cancel,
		workers:     map[string]*projectionWorker{},
	}
}

// Register starts a projection. It restores the checkpoint when the
// handler implements StateCodec, catches up with the log and then follows
// fed events.
func (p *Projections) Register(ctx context.Context, name string, h ProjectionHandler, opts ...ProjectionOption) error {
	po := projectionOptions{queueSize: p.queueSize, foldTimeout: p.foldTimeout}
	for _, opt := range opts {
		opt.applyToProjection(&po)
	}

	w := &projectionWorker{
		name:        name,
		parent:      p,
		handler:     h,
		log:         p.log.With(slog.String("projection", name)),
		foldTimeout: po.foldTimeout,
		queue:       make(chan Event, po.queueSize),
		wake:        make(chan struct{}, 1),
		progress:    make(chan struct{}),
		state:       h.InitialState(),
	}
	w.view.Store(&projectionView{state: w.state})
	if len(po.eventTypes) > 0 {
		w.types = map[string]struct{}{}
		for _, t := range po.eventTypes {
			w.types[t] = struct{}{}
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if _, ok := p.workers[name]; ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProjectionExists, name)
	}
	// registered before catching up so that events committed meanwhile
	// are queued rather than missed
	p.workers[name] = w
	p.mu.Unlock()

	w.mu.Lock()
	w.restoreLocked(ctx)
	err := w.catchUpLocked(ctx, 0)
	w.flushLocked(ctx)
	w.publishLocked()
	offset := w.cursor
	w.mu.Unlock()
	if err != nil {
		p.mu.Lock()
		delete(p.workers, name)
		p.mu.Unlock()
		return fmt.Errorf("catch up projection %s: %w", name, err)
	}

	p.mu.Lock()
	if p.closed {
		delete(p.workers, name)
		p.mu.Unlock()
		return ErrClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.wg.Done()
		w.run(p.ctx)
	}()

	w.log.Info("projection registered", slog.Uint64("offset", offset), slog.Any("event_types", po.eventTypes))
	return nil
}

// Feed hands committed events to every projection. It never blocks.
func (p *Projections) Feed(events ...Event) {
	if len(events) == 0 {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, w := range p.workers {
		w.offer(events)
	}
}

// Rebuild resets the projection to its initial state and replays all
// matching events from the log.
func (p *Projections) Rebuild(ctx context.Context, name string) error {
	w, err := p.worker(name)
	if err != nil {
		return err
	}
	return w.rebuild(ctx)
}

// State returns the current projection state.
func (p *Projections) State(name string) (any, error) {
	w, err := p.worker(name)
	if err != nil {
		return nil, err
	}
	return w.view.Load().state, nil
}

// ProjectionState returns the state of projection name as S.
func ProjectionState[S any](p *Projections, name string) (S, error) {
	var zero S
	st, err := p.State(name)
	if err != nil {
		return zero, err
	}
	s, ok := st.(S)
	if !ok {
		return zero, fmt.Errorf("projection %s holds %T, not %T", name, st, zero)
	}
	return s, nil
}

// Offset returns the seq of the last event the projection examined.
func (p *Projections) Offset(name string) (uint64, error) {
	w, err := p.worker(name)
	if err != nil {
		return 0, err
	}
	return w.view.Load().offset, nil
}

// Errors returns how many events the projection skipped after failed or
// timed out folds.
func (p *Projections) Errors(name string) (uint64, error) {
	w, err := p.worker(name)
	if err != nil {
		return 0, err
	}
	return w.view.Load().errors, nil
}

// Names returns the registered projection names.
func (p *Projections) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.workers))
	for n := range p.workers {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// WaitFor blocks until the projection has examined the event at seq.
func (p *Projections) WaitFor(ctx context.Context, name string, seq uint64) error {
	w, err := p.worker(name)
	if err != nil {
		return err
	}
	for {
		w.progressMu.Lock()
		ch := w.progress
		w.progressMu.Unlock()

		if w.view.Load().offset >= seq {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops all workers and persists their final checkpoints.
func (p *Projections) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, w := range p.workers {
		w.mu.Lock()
		w.flushLocked(context.Background())
		w.mu.Unlock()
	}
}

func (p *Projections) worker(name string) (*projectionWorker, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	w, ok := p.workers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProjection, name)
	}
	return w, nil
}

type projectionView struct {
	state  any
	offset uint64
	errors uint64
}

type projectionWorker struct {
	name        string
	parent      *Projections
	handler     ProjectionHandler
	types       map[string]struct{} // nil: all types
	log         *slog.Logger
	foldTimeout time.Duration

	queue chan Event
	wake  chan struct{}
	head  atomic.Uint64 // highest seq fed

	mu     sync.Mutex // held while folding
	state  any
	cursor uint64
	errors uint64
	dirty  bool // folded since the last checkpoint

	view       atomic.Pointer[projectionView]
	progressMu sync.Mutex
	progress   chan struct{} // closed and replaced on every publish
}

func (w *projectionWorker) offer(events []Event) {
	for _, ev := range events {
		for {
			h := w.head.Load()
			if ev.Seq <= h || w.head.CompareAndSwap(h, ev.Seq) {
				break
			}
		}
		select {
		case w.queue <- ev:
		default:
			w.signal()
		}
	}
}

func (w *projectionWorker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *projectionWorker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.queue:
			w.mu.Lock()
			w.processLocked(ctx, ev)
			w.flushLocked(ctx)
			w.publishLocked()
			w.mu.Unlock()
		case <-w.wake:
			w.mu.Lock()
			if err := w.catchUpLocked(ctx, 0); err != nil {
				w.retryLater(err)
			}
			w.flushLocked(ctx)
			w.publishLocked()
			w.mu.Unlock()
		}
	}
}

func (w *projectionWorker) processLocked(ctx context.Context, ev Event) {
	switch {
	case ev.Seq <= w.cursor:
		return
	case ev.Seq == w.cursor+1:
		w.applyLocked(ctx, ev)
	default:
		if err := w.catchUpLocked(ctx, ev.Seq); err != nil {
			w.retryLater(err)
		}
	}
}

func (w *projectionWorker) retryLater(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	w.log.Error("projection catch-up failed", slog.Uint64("offset", w.cursor), slog.Any("error", err))
	time.AfterFunc(100*time.Millisecond, w.signal)
}

// catchUpLocked reads the log after the cursor up to and including upTo
// (0: to the end) and applies what it finds.
func (w *projectionWorker) catchUpLocked(ctx context.Context, upTo uint64) error {
	for {
		batch, err := w.parent.events.ReadAll(ctx, w.cursor, catchUpBatch)
		if err != nil {
			return err
		}
		w.flushLocked(ctx)
		for _, ev := range batch {
			if upTo > 0 && ev.Seq > upTo {
				return nil
			}
			if ev.Seq <= w.cursor {
				continue
			}
			if !w.applyLocked(ctx, ev) {
				return ctx.Err()
			}
		}
		if len(batch) < catchUpBatch {
			return nil
		}
	}
}

// applyLocked folds ev and advances the cursor. It returns false, leaving
// the cursor in place, only when ctx ended during the fold.
func (w *projectionWorker) applyLocked(ctx context.Context, ev Event) bool {
	if w.types != nil {
		if _, ok := w.types[ev.Type]; !ok {
			w.cursor = ev.Seq
			return true
		}
	}
	w.dirty = true

	next, err := w.fold(ctx, ev)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		w.errors++
		w.parent.metrics.ProjectionFolded(w.name, false)
		foldErr := &ProjectionFoldError{Projection: w.name, EventID: ev.ID, Seq: ev.Seq, Err: err}
		w.log.Warn("projection skipped event", ev.SlogAttr(), slog.Any("error", foldErr))
	} else {
		w.state = next
		w.parent.metrics.ProjectionFolded(w.name, true)
	}
	w.cursor = ev.Seq

	if head := w.head.Load(); head > w.cursor {
		w.parent.metrics.ProjectionLag(w.name, int64(head-w.cursor))
	} else {
		w.parent.metrics.ProjectionLag(w.name, 0)
	}
	return true
}

type foldResult struct {
	state any
	err   error
}

func (w *projectionWorker) fold(ctx context.Context, ev Event) (state any, err error) {
	_, end := w.parent.tracer.Start(ctx, "es.projection.fold",
		slog.String("projection", w.name),
		slog.String("event_type", ev.Type),
		slog.Uint64("seq", ev.Seq),
	)
	defer func() { end(err) }()

	if w.foldTimeout <= 0 {
		return safeFold(w.handler, ev, w.state)
	}

	done := make(chan foldResult, 1)
	current := w.state
	go func() {
		s, err := safeFold(w.handler, ev, current)
		done <- foldResult{state: s, err: err}
	}()

	timer := time.NewTimer(w.foldTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.state, r.err
	case <-timer.C:
		return nil, fmt.Errorf("fold exceeded %s: %w", w.foldTimeout, context.DeadlineExceeded)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func safeFold(h ProjectionHandler, ev Event, state any) (next any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fold panicked: %v", r)
		}
	}()
	return h.Handle(ev, state)
}

func (w *projectionWorker) rebuild(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	defer w.publishLocked()

	w.state = w.handler.InitialState()
	w.cursor = 0
	w.errors = 0
	w.dirty = true

	// one ordered pass over the global log; the type filter is applied per
	// event so the cursor never skips a matching event
	if err := w.catchUpLocked(ctx, 0); err != nil {
		return err
	}
	w.flushLocked(ctx)
	w.log.Info("projection rebuilt", slog.Uint64("offset", w.cursor), slog.Uint64("errors", w.errors))
	return nil
}

func (w *projectionWorker) restoreLocked(ctx context.Context) {
	cp, err := w.parent.checkpoints.Load(ctx, w.name)
	if err != nil {
		if !errors.Is(err, ErrCheckpointNotFound) {
			w.log.Warn("checkpoint unavailable, starting from the beginning", slog.Any("error", err))
		}
		return
	}
	codec, ok := w.handler.(StateCodec)
	if !ok || len(cp.State) == 0 {
		w.log.Debug("checkpoint without restorable state, starting from the beginning")
		return
	}
	state, err := codec.DecodeState(cp.State)
	if err != nil {
		w.log.Warn("checkpoint state unreadable, starting from the beginning", slog.Any("error", err))
		return
	}
	w.state = state
	w.cursor = cp.Offset
	w.errors = cp.Errors
}

// flushLocked persists the checkpoint if anything was folded since the
// last save. Filtered events alone only move the cursor in memory; they
// are examined again after a restart, which is harmless.
func (w *projectionWorker) flushLocked(ctx context.Context) {
	if !w.dirty {
		return
	}
	if w.saveLocked(ctx) {
		w.dirty = false
	}
}

func (w *projectionWorker) saveLocked(ctx context.Context) bool {
	cp := &Checkpoint{
		Name:      w.name,
		Offset:    w.cursor,
		Errors:    w.errors,
		UpdatedAt: time.Now().UTC(),
	}
	if codec, ok := w.handler.(StateCodec); ok {
		data, err := codec.EncodeState(w.state)
		if err != nil {
			w.log.Warn("encode projection state", slog.Any("error", err))
			return false
		}
		cp.State = data
	}
	if err := w.parent.checkpoints.Save(ctx, cp); err != nil {
		w.log.Warn("save checkpoint", slog.Uint64("offset", w.cursor), slog.Any("error", err))
		return false
	}
	return true
}

func (w *projectionWorker) publishLocked() {
	w.view.Store(&projectionView{state: w.state, offset: w.cursor, errors: w.errors})

	w.progressMu.Lock()
	close(w.progress)
	w.progress = make(chan struct{})
	w.progressMu.Unlock()
}
