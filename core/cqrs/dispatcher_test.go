package cqrs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/escore/core/es"
	"github.com/codewandler/escore/core/es/estests/domain"
)

type createUser struct {
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name" validate:"required"`
}

func createUserHandler() CommandHandler {
	return Handle(func(ctx context.Context, cmd Command, payload createUser, p Platform) (Result, error) {
		agg, err := p.Load(ctx, cmd.AggregateID, domain.UserType)
		if err != nil {
			return Result{}, err
		}
		events, err := p.Append(ctx, agg, domain.Created(payload.Email, payload.Name))
		if err != nil {
			return Result{}, err
		}
		return ResultOf(agg, events), nil
	})
}

func increment(ctx context.Context, cmd Command, p Platform) (Result, error) {
	agg, err := p.Load(ctx, cmd.AggregateID, domain.CounterType)
	if err != nil {
		return Result{}, err
	}
	events, err := p.Append(ctx, agg, domain.Inc(1))
	if err != nil {
		return Result{}, err
	}
	return ResultOf(agg, events), nil
}

func newStore(t *testing.T) *es.Store {
	t.Helper()
	store := es.NewStore(es.NewInMemoryLog(), domain.Registry())
	t.Cleanup(store.Close)
	return store
}

func newDispatcher(t *testing.T, store *es.Store, opts ...Option) *Dispatcher {
	t.Helper()
	d := NewDispatcher(NewPlatform(store), opts...)
	t.Cleanup(d.Close)
	require.NoError(t, d.RegisterCommand("CreateUser", createUserHandler()))
	require.NoError(t, d.RegisterCommand("Increment", CommandHandlerFunc(increment)))
	return d
}

func mustCommand(t *testing.T, cmdType, id string, payload any) Command {
	t.Helper()
	cmd, err := NewCommand(cmdType, id, payload)
	require.NoError(t, err)
	return cmd
}

func TestDispatch_CreateUser(t *testing.T) {
	store := newStore(t)
	d := newDispatcher(t, store)

	res, err := d.Dispatch(t.Context(), mustCommand(t, "CreateUser", "u-1", createUser{Email: "a@b.c", Name: "Alice"}))
	require.NoError(t, err)
	require.Equal(t, "u-1", res.AggregateID)
	require.Equal(t, es.Version(1), res.Version)
	require.Len(t, res.Events, 1)
	require.Equal(t, domain.UserCreatedType, res.Events[0].Type)

	// the apply table rejects a second creation before anything is written
	_, err = d.Dispatch(t.Context(), mustCommand(t, "CreateUser", "u-1", createUser{Email: "x@y.z", Name: "Mallory"}))
	require.Error(t, err)
	head, err := store.Log().Head(t.Context(), "u-1")
	require.NoError(t, err)
	require.Equal(t, es.Version(1), head)
}

func TestDispatch_Validation(t *testing.T) {
	d := newDispatcher(t, newStore(t))

	_, err := d.Dispatch(t.Context(), Command{Type: "CreateUser"})
	require.ErrorIs(t, err, ErrInvalidCommand)

	_, err = d.Dispatch(t.Context(), Command{AggregateID: "u-1"})
	require.ErrorIs(t, err, ErrInvalidCommand)

	_, err = d.Dispatch(t.Context(), mustCommand(t, "CreateUser", "u-1", createUser{Email: "nope", Name: "Bob"}))
	require.ErrorIs(t, err, ErrInvalidCommand)

	_, err = d.Query(t.Context(), Query{})
	require.ErrorIs(t, err, ErrInvalidQuery)
}

func TestDispatcher_Registration(t *testing.T) {
	d := newDispatcher(t, newStore(t))

	require.ErrorIs(t, d.RegisterCommand("CreateUser", createUserHandler()), ErrDuplicateHandler)
	require.NoError(t, d.RegisterQuery("Ping", QueryHandlerFunc(func(context.Context, Query, Platform) (any, error) {
		return "pong", nil
	})))
	require.ErrorIs(t, d.RegisterQuery("Ping", QueryHandlerFunc(nil)), ErrDuplicateHandler)

	require.NoError(t, d.Validate("CreateUser", "Increment", "Ping"))
	err := d.Validate("CreateUser", "DeleteUser", "Pong")
	require.ErrorIs(t, err, ErrUnhandledCommand)
	require.ErrorContains(t, err, "DeleteUser")
	require.ErrorContains(t, err, "Pong")

	_, err = d.Dispatch(t.Context(), Command{Type: "DeleteUser", AggregateID: "u-1"})
	require.ErrorIs(t, err, ErrUnhandledCommand)
	_, err = d.Query(t.Context(), Query{Type: "Pong"})
	require.ErrorIs(t, err, ErrUnhandledQuery)

	out, err := d.Query(t.Context(), Query{Type: "Ping"})
	require.NoError(t, err)
	require.Equal(t, "pong", out)
}

func TestDispatch_TimeoutLeavesHandlerRunning(t *testing.T) {
	store := newStore(t)
	d := newDispatcher(t, store, WithCommandTimeout(50*time.Millisecond))

	release := make(chan struct{})
	require.NoError(t, d.RegisterCommand("SlowIncrement", CommandHandlerFunc(func(ctx context.Context, cmd Command, p Platform) (Result, error) {
		<-release
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		return increment(ctx, cmd, p)
	})))

	_, err := d.Dispatch(t.Context(), Command{Type: "SlowIncrement", AggregateID: "c-1"})
	require.ErrorIs(t, err, ErrTimeout)

	close(release)
	require.Eventually(t, func() bool {
		head, err := store.Log().Head(context.Background(), "c-1")
		return err == nil && head == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDispatch_CallerCancelDoesNotAbortHandler(t *testing.T) {
	store := newStore(t)
	d := newDispatcher(t, store)

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, d.RegisterCommand("SlowIncrement", CommandHandlerFunc(func(ctx context.Context, cmd Command, p Platform) (Result, error) {
		close(started)
		<-release
		return increment(ctx, cmd, p)
	})))

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		<-started
		cancel()
	}()
	_, err := d.Dispatch(ctx, Command{Type: "SlowIncrement", AggregateID: "c-1"})
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	require.Eventually(t, func() bool {
		head, err := store.Log().Head(context.Background(), "c-1")
		return err == nil && head == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDispatch_VersionConflictIsReturned(t *testing.T) {
	store := newStore(t)
	d := newDispatcher(t, store)

	require.NoError(t, d.RegisterCommand("RacyIncrement", CommandHandlerFunc(func(ctx context.Context, cmd Command, p Platform) (Result, error) {
		agg, err := p.Load(ctx, cmd.AggregateID, domain.CounterType)
		if err != nil {
			return Result{}, err
		}
		// a concurrent writer gets in first
		if _, err := p.Log().Append(ctx, cmd.AggregateID, domain.CounterType, es.Any(), domain.Inc(5)); err != nil {
			return Result{}, err
		}
		_, err = p.Append(ctx, agg, domain.Inc(1))
		return Result{}, err
	})))

	_, err := d.Dispatch(t.Context(), Command{Type: "RacyIncrement", AggregateID: "c-1"})
	require.ErrorIs(t, err, es.ErrVersionConflict)
	require.True(t, es.IsRetryable(err))

	var conflict *es.VersionConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, es.Version(1), conflict.Actual)
}

func TestDispatch_HandlerPanic(t *testing.T) {
	d := newDispatcher(t, newStore(t))
	require.NoError(t, d.RegisterCommand("Boom", CommandHandlerFunc(func(context.Context, Command, Platform) (Result, error) {
		panic("boom")
	})))

	_, err := d.Dispatch(t.Context(), Command{Type: "Boom", AggregateID: "x"})
	require.ErrorIs(t, err, ErrHandlerPanic)
}

func TestQuery_ReadsProjection(t *testing.T) {
	store := newStore(t)
	byEmail := es.NewProjection(func() map[string]string { return map[string]string{} },
		func(ev es.Event, s map[string]string) (map[string]string, error) {
			var p domain.UserCreated
			if err := ev.Decode(&p); err != nil {
				return s, err
			}
			next := make(map[string]string, len(s)+1)
			for k, v := range s {
				next[k] = v
			}
			next[p.Email] = ev.AggregateID
			return next, nil
		})
	require.NoError(t, store.Projections().Register(t.Context(), "users-by-email", byEmail, es.WithEventTypes(domain.UserCreatedType)))

	d := newDispatcher(t, store)
	type lookup struct {
		Email string `json:"email" validate:"required"`
	}
	require.NoError(t, d.RegisterQuery("UserByEmail", HandleQuery(func(_ context.Context, params lookup, p Platform) (string, error) {
		index, err := ProjectionOf[map[string]string](p, "users-by-email")
		if err != nil {
			return "", err
		}
		return index[params.Email], nil
	})))

	res, err := d.Dispatch(t.Context(), mustCommand(t, "CreateUser", "u-7", createUser{Email: "g@h.i", Name: "Grace"}))
	require.NoError(t, err)
	require.NoError(t, store.Projections().WaitFor(t.Context(), "users-by-email", res.Events[0].Seq))

	q, err := NewQuery("UserByEmail", lookup{Email: "g@h.i"})
	require.NoError(t, err)
	out, err := d.Query(t.Context(), q)
	require.NoError(t, err)
	require.Equal(t, "u-7", out)

	_, err = d.Query(t.Context(), Query{Type: "UserByEmail", Params: []byte(`{}`)})
	require.ErrorIs(t, err, ErrInvalidQuery)
}

func TestQuery_Timeout(t *testing.T) {
	d := newDispatcher(t, newStore(t), WithQueryTimeout(20*time.Millisecond))
	require.NoError(t, d.RegisterQuery("Slow", QueryHandlerFunc(func(ctx context.Context, _ Query, _ Platform) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})))

	_, err := d.Query(t.Context(), Query{Type: "Slow"})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestDispatcher_MiddlewareOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		trace []string
	)
	record := func(name string) Middleware {
		return func(ctx context.Context, env Envelope, next Next) (any, error) {
			mu.Lock()
			trace = append(trace, name+">"+env.Type)
			mu.Unlock()
			out, err := next(ctx)
			mu.Lock()
			trace = append(trace, name+"<")
			mu.Unlock()
			return out, err
		}
	}

	d := newDispatcher(t, newStore(t), WithMiddleware(record("a"), record("b")))
	_, err := d.Dispatch(t.Context(), Command{Type: "Increment", AggregateID: "c-1"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a>Increment", "b>Increment", "b<", "a<"}, trace)
}

func TestDispatcher_SerializedAggregates(t *testing.T) {
	store := newStore(t)
	d := newDispatcher(t, store, WithSerializedAggregates())

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Dispatch(context.Background(), Command{Type: "Increment", AggregateID: "c-1"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	agg, err := store.Load(t.Context(), "c-1", domain.CounterType)
	require.NoError(t, err)
	require.Equal(t, es.Version(n), agg.Version)
	require.Equal(t, n, agg.State.(domain.Counter).Value)
}
