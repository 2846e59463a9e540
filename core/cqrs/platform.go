package cqrs

import (
	"context"
	"fmt"

	"github.com/codewandler/escore/core/es"
)

// Platform is what handlers work with.
type Platform interface {
	// Load returns the current aggregate.
	Load(ctx context.Context, aggregateID, aggregateType string) (*es.Aggregate, error)
	// Append writes events produced against agg, expecting agg.Version, and
	// moves agg forward on success.
	Append(ctx context.Context, agg *es.Aggregate, events ...es.PendingEvent) ([]es.Event, error)
	// Projection returns the current state of a registered projection.
	Projection(name string) (any, error)
	Log() es.EventLog
}

type storePlatform struct {
	store *es.Store
}

// NewPlatform exposes store to handlers.
func NewPlatform(store *es.Store) Platform {
	return &storePlatform{store: store}
}

func (p *storePlatform) Load(ctx context.Context, aggregateID, aggregateType string) (*es.Aggregate, error) {
	return p.store.Load(ctx, aggregateID, aggregateType)
}

func (p *storePlatform) Append(ctx context.Context, agg *es.Aggregate, events ...es.PendingEvent) ([]es.Event, error) {
	return p.store.Save(ctx, agg, events...)
}

func (p *storePlatform) Projection(name string) (any, error) {
	return p.store.Projections().State(name)
}

func (p *storePlatform) Log() es.EventLog { return p.store.Log() }

// ProjectionOf returns the projection state as S.
func ProjectionOf[S any](p Platform, name string) (S, error) {
	var zero S
	st, err := p.Projection(name)
	if err != nil {
		return zero, err
	}
	s, ok := st.(S)
	if !ok {
		return zero, fmt.Errorf("projection %s holds %T, not %T", name, st, zero)
	}
	return s, nil
}
