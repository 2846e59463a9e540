package es

import (
	"encoding/json"
	"fmt"
)

// ProjectionHandler folds events into a read model. Handle must be
// deterministic and must not mutate the state it receives.
type ProjectionHandler interface {
	InitialState() any
	Handle(ev Event, state any) (any, error)
}

// StateCodec lets a projection persist its state in checkpoints. Handlers
// without a codec rebuild from the log on every start.
type StateCodec interface {
	EncodeState(state any) ([]byte, error)
	DecodeState(data []byte) (any, error)
}

// Projection is a typed ProjectionHandler with a JSON StateCodec.
type Projection[S any] struct {
	initial func() S
	fold    func(ev Event, state S) (S, error)
}

func NewProjection[S any](initial func() S, fold func(ev Event, state S) (S, error)) *Projection[S] {
	if initial == nil {
		initial = func() (s S) { return }
	}
	return &Projection[S]{initial: initial, fold: fold}
}

func (p *Projection[S]) InitialState() any { return p.initial() }

func (p *Projection[S]) Handle(ev Event, state any) (any, error) {
	s, ok := state.(S)
	if !ok {
		return state, fmt.Errorf("projection state is %T", state)
	}
	return p.fold(ev, s)
}

func (p *Projection[S]) EncodeState(state any) ([]byte, error) { return json.Marshal(state) }

func (p *Projection[S]) DecodeState(data []byte) (any, error) {
	s := p.initial()
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return s, nil
}

var (
	_ ProjectionHandler = (*Projection[int])(nil)
	_ StateCodec        = (*Projection[int])(nil)
)
