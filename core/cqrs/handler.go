package cqrs

import (
	"context"
)

type CommandHandler interface {
	Handle(ctx context.Context, cmd Command, p Platform) (Result, error)
}

type QueryHandler interface {
	Handle(ctx context.Context, q Query, p Platform) (any, error)
}

type CommandHandlerFunc func(ctx context.Context, cmd Command, p Platform) (Result, error)

func (f CommandHandlerFunc) Handle(ctx context.Context, cmd Command, p Platform) (Result, error) {
	return f(ctx, cmd, p)
}

type QueryHandlerFunc func(ctx context.Context, q Query, p Platform) (any, error)

func (f QueryHandlerFunc) Handle(ctx context.Context, q Query, p Platform) (any, error) {
	return f(ctx, q, p)
}

// Handle adapts a typed command handler. The payload is decoded and
// validated into P before fn runs.
func Handle[P any](fn func(ctx context.Context, cmd Command, payload P, p Platform) (Result, error)) CommandHandler {
	return CommandHandlerFunc(func(ctx context.Context, cmd Command, p Platform) (Result, error) {
		var payload P
		if err := cmd.Decode(&payload); err != nil {
			return Result{}, err
		}
		return fn(ctx, cmd, payload, p)
	})
}

// HandleQuery adapts a typed query handler.
func HandleQuery[P, R any](fn func(ctx context.Context, params P, p Platform) (R, error)) QueryHandler {
	return QueryHandlerFunc(func(ctx context.Context, q Query, p Platform) (any, error) {
		var params P
		if err := q.Decode(&params); err != nil {
			return nil, err
		}
		return fn(ctx, params, p)
	})
}
