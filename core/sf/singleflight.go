package sf

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Group deduplicates concurrent calls with the same key.
type Group[T any] struct {
	group singleflight.Group
}

// New creates a new Group for results of type T.
func New[T any]() *Group[T] {
	return &Group[T]{}
}

// Do executes fn for key unless a call for key is already in flight, in
// which case it waits for that call. shared reports whether the result was
// handed to more than one caller.
func (g *Group[T]) Do(key string, fn func() (T, error)) (v T, shared bool, err error) {
	out, err, shared := g.group.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		return v, shared, err
	}
	return out.(T), shared, nil
}

// DoContext is Do for calls that take a context. fn runs detached from
// ctx so one caller giving up does not fail the others waiting on the same
// key; each caller stops waiting when its own ctx ends.
func (g *Group[T]) DoContext(ctx context.Context, key string, fn func(context.Context) (T, error)) (v T, shared bool, err error) {
	if err := ctx.Err(); err != nil {
		return v, false, err
	}
	detached := context.WithoutCancel(ctx)
	ch := g.group.DoChan(key, func() (any, error) {
		return fn(detached)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return v, res.Shared, res.Err
		}
		return res.Val.(T), res.Shared, nil
	case <-ctx.Done():
		return v, false, ctx.Err()
	}
}

// Forget makes the next Do for key execute fn even if a call is in flight.
// Writers use it so a load started before an append does not feed later
// callers.
func (g *Group[T]) Forget(key string) {
	g.group.Forget(key)
}
