package main

import (
	"context"
	"fmt"
	"maps"

	"github.com/codewandler/escore/core/cqrs"
	"github.com/codewandler/escore/core/es"
)

const (
	profileType        = "profile"
	profileRegistered  = "ProfileRegistered"
	profileRenamed     = "ProfileRenamed"
	profilesStream     = "profiles"
	profilesByEmail    = "profiles-by-email"
	cmdRegisterProfile = "RegisterProfile"
	cmdRenameProfile   = "RenameProfile"
	queryProfileEmail  = "ProfileByEmail"
)

type (
	Profile struct {
		Email   string `json:"email"`
		Name    string `json:"name"`
		Renames int    `json:"renames"`
	}

	ProfileRegistered struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}

	ProfileRenamed struct {
		Name string `json:"name"`
	}

	RegisterProfile struct {
		Email string `json:"email" validate:"required,email"`
		Name  string `json:"name" validate:"required"`
	}

	RenameProfile struct {
		Name string `json:"name" validate:"required"`
	}

	ProfileByEmail struct {
		Email string `json:"email" validate:"required,email"`
	}
)

func profileAggregate() *es.AggregateType[Profile] {
	def := es.DefineAggregate(profileType, func() Profile { return Profile{} })
	es.On(def, profileRegistered, func(p Profile, ev ProfileRegistered, _ es.Event) (Profile, error) {
		if p.Email != "" {
			return p, fmt.Errorf("profile already registered")
		}
		p.Email, p.Name = ev.Email, ev.Name
		return p, nil
	})
	es.On(def, profileRenamed, func(p Profile, ev ProfileRenamed, _ es.Event) (Profile, error) {
		p.Name = ev.Name
		p.Renames++
		return p, nil
	})
	return def
}

type emailIndex map[string]string

func emailProjection() *es.Projection[emailIndex] {
	return es.NewProjection(func() emailIndex { return emailIndex{} }, func(ev es.Event, s emailIndex) (emailIndex, error) {
		var p ProfileRegistered
		if err := ev.Decode(&p); err != nil {
			return s, err
		}
		next := maps.Clone(s)
		next[p.Email] = ev.AggregateID
		return next, nil
	})
}

func registerHandlers(d *cqrs.Dispatcher) error {
	if err := d.RegisterCommand(cmdRegisterProfile, cqrs.Handle(
		func(ctx context.Context, cmd cqrs.Command, payload RegisterProfile, p cqrs.Platform) (cqrs.Result, error) {
			agg, err := p.Load(ctx, cmd.AggregateID, profileType)
			if err != nil {
				return cqrs.Result{}, err
			}
			ev, err := es.NewEvent(profileRegistered, ProfileRegistered(payload),
				es.OnStream(profilesStream), es.WithEventMetadata(cmd.Metadata))
			if err != nil {
				return cqrs.Result{}, err
			}
			events, err := p.Append(ctx, agg, ev)
			if err != nil {
				return cqrs.Result{}, err
			}
			return cqrs.ResultOf(agg, events), nil
		},
	)); err != nil {
		return err
	}

	if err := d.RegisterCommand(cmdRenameProfile, cqrs.Handle(
		func(ctx context.Context, cmd cqrs.Command, payload RenameProfile, p cqrs.Platform) (cqrs.Result, error) {
			agg, err := p.Load(ctx, cmd.AggregateID, profileType)
			if err != nil {
				return cqrs.Result{}, err
			}
			if agg.Version == 0 {
				return cqrs.Result{}, fmt.Errorf("profile %s is not registered", cmd.AggregateID)
			}
			ev, err := es.NewEvent(profileRenamed, ProfileRenamed(payload),
				es.OnStream(profilesStream), es.WithEventMetadata(cmd.Metadata))
			if err != nil {
				return cqrs.Result{}, err
			}
			events, err := p.Append(ctx, agg, ev)
			if err != nil {
				return cqrs.Result{}, err
			}
			return cqrs.ResultOf(agg, events), nil
		},
	)); err != nil {
		return err
	}

	if err := d.RegisterQuery(queryProfileEmail, cqrs.HandleQuery(
		func(ctx context.Context, params ProfileByEmail, p cqrs.Platform) (string, error) {
			idx, err := cqrs.ProjectionOf[emailIndex](p, profilesByEmail)
			if err != nil {
				return "", err
			}
			id, ok := idx[params.Email]
			if !ok {
				return "", fmt.Errorf("no profile for %s", params.Email)
			}
			return id, nil
		},
	)); err != nil {
		return err
	}

	return d.Validate(cmdRegisterProfile, cmdRenameProfile, queryProfileEmail)
}
