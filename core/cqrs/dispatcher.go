package cqrs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/escore/core/es"
	"github.com/codewandler/escore/core/perkey"
)

// Dispatcher routes commands and queries to their registered handlers.
type Dispatcher struct {
	log            *slog.Logger
	platform       Platform
	metrics        es.Metrics
	commandTimeout time.Duration
	queryTimeout   time.Duration
	middleware     []Middleware
	serial         *perkey.Scheduler[string]

	mu       sync.RWMutex
	commands map[string]CommandHandler
	queries  map[string]QueryHandler
}

// NewDispatcher creates a dispatcher whose handlers work on platform.
func NewDispatcher(platform Platform, opts ...Option) *Dispatcher {
	cfg := config{
		log:            slog.Default(),
		metrics:        es.NopMetrics(),
		tracer:         es.NopTracer(),
		commandTimeout: DefaultCommandTimeout,
		queryTimeout:   DefaultQueryTimeout,
	}
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	d := &Dispatcher{
		log:            cfg.log.With(slog.String("component", "dispatcher")),
		platform:       platform,
		metrics:        cfg.metrics,
		commandTimeout: cfg.commandTimeout,
		queryTimeout:   cfg.queryTimeout,
		middleware:     append([]Middleware{telemetry(cfg.metrics, cfg.tracer)}, cfg.middleware...),
		commands:       map[string]CommandHandler{},
		queries:        map[string]QueryHandler{},
	}
	if cfg.serialized {
		d.serial = perkey.New[string]()
	}
	return d
}

// RegisterCommand installs the handler for cmdType.
func (d *Dispatcher) RegisterCommand(cmdType string, h CommandHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.commands[cmdType]; exists {
		return fmt.Errorf("%w: command %s", ErrDuplicateHandler, cmdType)
	}
	d.commands[cmdType] = h
	return nil
}

// RegisterQuery installs the handler for queryType.
func (d *Dispatcher) RegisterQuery(queryType string, h QueryHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.queries[queryType]; exists {
		return fmt.Errorf("%w: query %s", ErrDuplicateHandler, queryType)
	}
	d.queries[queryType] = h
	return nil
}

// Validate reports every type in types that has neither a command nor a
// query handler. Call it at startup.
func (d *Dispatcher) Validate(types ...string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var errs []error
	for _, t := range types {
		_, isCmd := d.commands[t]
		_, isQuery := d.queries[t]
		if !isCmd && !isQuery {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnhandledCommand, t))
		}
	}
	return errors.Join(errs...)
}

// Dispatch runs the command handler and waits at most the command timeout
// for it.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (Result, error) {
	if err := validate.Struct(cmd); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}

	d.mu.RLock()
	h, ok := d.commands[cmd.Type]
	d.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnhandledCommand, cmd.Type)
	}

	env := Envelope{Kind: KindCommand, Type: cmd.Type, AggregateID: cmd.AggregateID, Metadata: cmd.Metadata}
	run := chain(d.middleware, env, func(ctx context.Context) (any, error) {
		return h.Handle(ctx, cmd, d.platform)
	})
	if d.serial != nil {
		run = d.serialize(cmd.AggregateID, run)
	}

	out, err := d.await(context.WithoutCancel(ctx), ctx, d.commandTimeout, env, run)
	res, _ := out.(Result)
	return res, err
}

// Query runs the query handler and waits at most the query timeout for it.
// Unlike commands the handler sees the deadline.
func (d *Dispatcher) Query(ctx context.Context, q Query) (any, error) {
	if err := validate.Struct(q); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}

	d.mu.RLock()
	h, ok := d.queries[q.Type]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnhandledQuery, q.Type)
	}

	env := Envelope{Kind: KindQuery, Type: q.Type, Metadata: q.Metadata}
	run := chain(d.middleware, env, func(ctx context.Context) (any, error) {
		return h.Handle(ctx, q, d.platform)
	})

	hctx, cancel := context.WithTimeout(ctx, d.queryTimeout)
	defer cancel()
	return d.await(hctx, ctx, d.queryTimeout, env, run)
}

// Close stops the per-aggregate workers of a serialized dispatcher.
func (d *Dispatcher) Close() {
	if d.serial != nil {
		d.serial.Close()
	}
}

func (d *Dispatcher) serialize(aggregateID string, run Next) Next {
	return func(ctx context.Context) (any, error) {
		var out any
		err := d.serial.DoContext(ctx, aggregateID, func() error {
			var err error
			out, err = run(ctx)
			return err
		})
		return out, err
	}
}

// await runs fn on hctx in its own goroutine and waits until it returns,
// the budget expires or the caller's ctx ends. Only the wait is cut
// short; fn keeps running on hctx.
func (d *Dispatcher) await(hctx, ctx context.Context, budget time.Duration, env Envelope, fn Next) (any, error) {
	type outcome struct {
		v   any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				o = outcome{err: fmt.Errorf("%w: %s %s: %v", ErrHandlerPanic, env.Kind, env.Type, r)}
				d.log.Error("handler panicked", env.SlogAttr(), slog.Any("panic", r))
			}
			done <- o
		}()
		o.v, o.err = fn(hctx)
	}()

	timer := time.NewTimer(budget)
	defer timer.Stop()

	timedOut := func() (any, error) {
		d.metrics.DispatchOutcome(string(env.Kind), env.Type, "timeout")
		d.log.Warn("dispatch timed out", env.SlogAttr(), slog.Duration("budget", budget))
		return nil, fmt.Errorf("%w: %s %s after %s", ErrTimeout, env.Kind, env.Type, budget)
	}

	select {
	case o := <-done:
		// a handler that gave up on the budget's own deadline timed out
		if errors.Is(o.err, context.DeadlineExceeded) && hctx.Err() != nil && ctx.Err() == nil {
			return timedOut()
		}
		return o.v, o.err
	case <-timer.C:
		return timedOut()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
