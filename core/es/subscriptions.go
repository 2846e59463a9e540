package es

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type SubscriptionState string

const (
	SubscriptionCatchingUp SubscriptionState = "catching-up"
	SubscriptionLive       SubscriptionState = "live"
	SubscriptionClosed     SubscriptionState = "closed"
)

// SubscriptionHandler receives stream events in position order. Errors and
// panics are logged and counted; delivery continues with the next event.
type SubscriptionHandler func(ctx context.Context, ev Event) error

type subscribeOptions struct {
	fromPosition uint64
	catchUp      bool
	filter       func(Event) bool
	queueSize    int
}

// Subscriptions delivers the events of named streams to callbacks. A
// subscription first replays the stream from the log (catching-up) and
// then follows notified events (live). Like projections it tracks a
// cursor, here the stream position, so that nothing is delivered twice
// and gaps are filled from the log.
type Subscriptions struct {
	log       *slog.Logger
	events    EventLog
	metrics   Metrics
	queueSize int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	subs     map[string]*subscription
	byStream map[string]map[string]*subscription
	closed   bool
}

func NewSubscriptions(events EventLog, opts ...Option) *Subscriptions {
	cfg := newConfig(opts)
	ctx, cancel := context.WithCancel(context.Background())
	return &Subscriptions{
		log:       cfg.log.With(slog.String("component", "subscriptions")),
		events:    events,
		metrics:   cfg.metrics,
		queueSize: cfg.queueSize,
		ctx:       ctx,
		cancel:    cancel,
		subs:      map[string]*subscription{},
		byStream:  map[string]map[string]*subscription{},
	}
}

// Subscribe registers handler for stream and returns the subscription id.
// By default delivery starts at the beginning of the stream. The
// subscription ends with Unsubscribe or when ctx is done.
func (m *Subscriptions) Subscribe(ctx context.Context, stream string, handler SubscriptionHandler, opts ...SubscribeOption) (string, error) {
	so := subscribeOptions{catchUp: true, queueSize: m.queueSize}
	for _, opt := range opts {
		opt.applyToSubscription(&so)
	}

	cursor := so.fromPosition
	if !so.catchUp {
		head, err := m.events.StreamHead(ctx, stream)
		if err != nil {
			return "", fmt.Errorf("read head of stream %s: %w", stream, err)
		}
		cursor = head
	}

	id := gonanoid.Must()
	sctx, cancel := context.WithCancel(m.ctx)
	s := &subscription{
		id:      id,
		stream:  stream,
		parent:  m,
		handler: handler,
		filter:  so.filter,
		cursor:  cursor,
		queue:   make(chan Event, so.queueSize),
		wake:    make(chan struct{}, 1),
		ctx:     sctx,
		cancel:  cancel,
		log:     m.log.With(slog.String("subscription", id), slog.String("stream", stream)),
	}
	s.state.Store(SubscriptionCatchingUp)
	s.position.Store(cursor)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	m.subs[id] = s
	if m.byStream[stream] == nil {
		m.byStream[stream] = map[string]*subscription{}
	}
	m.byStream[stream][id] = s
	m.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = m.Unsubscribe(id) })
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer stop()
		s.run()
	}()

	s.log.Debug("subscribed", slog.Uint64("from_position", cursor), slog.Bool("catch_up", so.catchUp))
	return id, nil
}

// Unsubscribe removes the subscription. No callback starts afterwards; a
// callback already running is allowed to finish.
func (m *Subscriptions) Unsubscribe(id string) error {
	m.mu.Lock()
	s, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
		delete(m.byStream[s.stream], id)
		if len(m.byStream[s.stream]) == 0 {
			delete(m.byStream, s.stream)
		}
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	s.close()
	return nil
}

// Notify hands committed events to the subscriptions of their streams. It
// never blocks.
func (m *Subscriptions) Notify(events ...Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.byStream) == 0 {
		return
	}
	for _, ev := range events {
		if ev.StreamName == "" {
			continue
		}
		for _, s := range m.byStream[ev.StreamName] {
			s.offer(ev)
		}
	}
}

func (m *Subscriptions) State(id string) (SubscriptionState, error) {
	m.mu.RLock()
	s, ok := m.subs[id]
	m.mu.RUnlock()
	if !ok {
		return SubscriptionClosed, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	return s.state.Load().(SubscriptionState), nil
}

// Position returns the stream position of the last delivered event.
func (m *Subscriptions) Position(id string) (uint64, error) {
	m.mu.RLock()
	s, ok := m.subs[id]
	m.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	return s.position.Load(), nil
}

// Close ends all subscriptions and waits for their workers.
func (m *Subscriptions) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := m.subs
	m.subs = map[string]*subscription{}
	m.byStream = map[string]map[string]*subscription{}
	m.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	m.cancel()
	m.wg.Wait()
}

type subscription struct {
	id      string
	stream  string
	parent  *Subscriptions
	handler SubscriptionHandler
	filter  func(Event) bool
	log     *slog.Logger

	queue chan Event
	wake  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	cursor   uint64 // owned by the worker goroutine
	position atomic.Uint64
	state    atomic.Value
	failures atomic.Uint64
}

func (s *subscription) offer(ev Event) {
	select {
	case s.queue <- ev:
	default:
		s.signal()
	}
}

func (s *subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) close() {
	s.state.Store(SubscriptionClosed)
	s.cancel()
}

func (s *subscription) closed() bool {
	return s.ctx.Err() != nil
}

func (s *subscription) run() {
	for !s.closed() {
		if err := s.catchUp(0); err == nil {
			break
		} else if !s.closed() {
			s.log.Error("subscription catch-up failed", slog.Any("error", err))
			select {
			case <-s.ctx.Done():
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
	if s.closed() {
		return
	}
	s.state.CompareAndSwap(SubscriptionCatchingUp, SubscriptionLive)
	s.log.Debug("subscription live", slog.Uint64("position", s.cursor))

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.queue:
			switch {
			case ev.StreamPosition <= s.cursor:
			case ev.StreamPosition == s.cursor+1:
				s.deliver(ev)
			default:
				if err := s.catchUp(ev.StreamPosition); err != nil && !s.closed() {
					s.log.Error("subscription gap fill failed", slog.Any("error", err))
					time.AfterFunc(100*time.Millisecond, s.signal)
				}
			}
		case <-s.wake:
			if err := s.catchUp(0); err != nil && !s.closed() {
				s.log.Error("subscription catch-up failed", slog.Any("error", err))
				time.AfterFunc(100*time.Millisecond, s.signal)
			}
		}
	}
}

// catchUp delivers stream events after the cursor up to and including
// upTo (0: to the end of the stream).
func (s *subscription) catchUp(upTo uint64) error {
	for {
		batch, err := s.parent.events.ReadStream(s.ctx, s.stream, s.cursor, catchUpBatch)
		if err != nil {
			return err
		}
		for _, ev := range batch {
			if s.closed() {
				return nil
			}
			if upTo > 0 && ev.StreamPosition > upTo {
				return nil
			}
			if ev.StreamPosition <= s.cursor {
				continue
			}
			s.deliver(ev)
		}
		if len(batch) < catchUpBatch {
			return nil
		}
	}
}

func (s *subscription) deliver(ev Event) {
	if s.closed() {
		return
	}
	if s.filter == nil || s.filter(ev) {
		err := s.invoke(ev)
		s.parent.metrics.SubscriptionDelivered(s.stream, err == nil)
		if err != nil {
			s.failures.Add(1)
			s.log.Warn("subscription callback failed", ev.SlogAttr(), slog.Any("error", err))
		}
	}
	s.cursor = ev.StreamPosition
	s.position.Store(ev.StreamPosition)
}

func (s *subscription) invoke(ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscription callback panicked: %v", r)
		}
	}()
	return s.handler(s.ctx, ev)
}
