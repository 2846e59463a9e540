package es

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
)

// Aggregate is a hydrated aggregate: the fold of its events up to Version.
type Aggregate struct {
	ID      string
	Type    string
	Version Version
	Seq     uint64 // seq of the last applied event
	State   any
}

func (a *Aggregate) SlogAttr() slog.Attr {
	return slog.Group(
		"agg",
		slog.String("type", a.Type),
		slog.String("id", a.ID),
		a.Version.SlogAttr(),
	)
}

// clone copies the envelope. State values are treated as immutable by
// apply functions, so sharing them is safe.
func (a *Aggregate) clone() *Aggregate {
	c := *a
	return &c
}

// StateOf returns the aggregate state as S.
func StateOf[S any](a *Aggregate) (S, error) {
	s, ok := a.State.(S)
	if !ok {
		var zero S
		return zero, fmt.Errorf("aggregate %s/%s holds %T, not %T", a.Type, a.ID, a.State, zero)
	}
	return s, nil
}

// AggregateDefinition is the apply table of one aggregate type.
type AggregateDefinition interface {
	Name() string
	// Initial returns the state of an aggregate without events.
	Initial() any
	// Apply folds ev into state. Event types without a handler fail with
	// ErrUnknownEventType unless the definition has a fallback.
	Apply(state any, ev Event) (any, error)
	EncodeState(state any) ([]byte, error)
	DecodeState(data []byte) (any, error)
	EventTypes() []string
	validate() error
}

// AggregateType is a typed apply table. Apply functions must not mutate
// the state they receive; they return the next state.
type AggregateType[S any] struct {
	name     string
	initial  func() S
	handlers map[string]func(S, Event) (S, error)
	fallback func(S, Event) (S, error)
}

// DefineAggregate starts the apply table for the aggregate type name.
func DefineAggregate[S any](name string, initial func() S) *AggregateType[S] {
	if initial == nil {
		initial = func() (s S) { return }
	}
	return &AggregateType[S]{
		name:     name,
		initial:  initial,
		handlers: map[string]func(S, Event) (S, error){},
	}
}

// OnRaw registers fn for eventType, receiving the raw event.
func (d *AggregateType[S]) OnRaw(eventType string, fn func(S, Event) (S, error)) *AggregateType[S] {
	d.handlers[eventType] = fn
	return d
}

// Fallback handles every event type without a dedicated handler.
func (d *AggregateType[S]) Fallback(fn func(S, Event) (S, error)) *AggregateType[S] {
	d.fallback = fn
	return d
}

// On registers fn for eventType with the payload decoded as P.
func On[S, P any](d *AggregateType[S], eventType string, fn func(state S, payload P, ev Event) (S, error)) *AggregateType[S] {
	return d.OnRaw(eventType, func(s S, ev Event) (S, error) {
		var p P
		if err := ev.Decode(&p); err != nil {
			return s, err
		}
		return fn(s, p, ev)
	})
}

func (d *AggregateType[S]) Name() string { return d.name }
func (d *AggregateType[S]) Initial() any { return d.initial() }

func (d *AggregateType[S]) Apply(state any, ev Event) (any, error) {
	s, ok := state.(S)
	if !ok {
		return state, fmt.Errorf("aggregate %s: state is %T", d.name, state)
	}
	h, ok := d.handlers[ev.Type]
	if !ok {
		h = d.fallback
	}
	if h == nil {
		return state, fmt.Errorf("%w: %s on aggregate %s", ErrUnknownEventType, ev.Type, d.name)
	}
	return h(s, ev)
}

func (d *AggregateType[S]) EncodeState(state any) ([]byte, error) {
	return json.Marshal(state)
}

func (d *AggregateType[S]) DecodeState(data []byte) (any, error) {
	s := d.initial()
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return s, nil
}

func (d *AggregateType[S]) EventTypes() []string {
	types := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (d *AggregateType[S]) validate() error {
	if d.name == "" {
		return fmt.Errorf("aggregate definition without name")
	}
	if len(d.handlers) == 0 && d.fallback == nil {
		return fmt.Errorf("aggregate %s defines no apply handlers", d.name)
	}
	return nil
}

// Registry maps aggregate type names to their definitions. It is an
// explicit value; nothing registers itself globally.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]AggregateDefinition
}

func NewRegistry(defs ...AggregateDefinition) (*Registry, error) {
	r := &Registry{defs: map[string]AggregateDefinition{}}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func MustNewRegistry(defs ...AggregateDefinition) *Registry {
	r, err := NewRegistry(defs...)
	if err != nil {
		panic(err)
	}
	return r
}

// Register adds def. Definitions without apply handlers and duplicate
// names are rejected.
func (r *Registry) Register(def AggregateDefinition) error {
	if err := def.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Name()]; ok {
		return fmt.Errorf("aggregate %s already registered", def.Name())
	}
	r.defs[def.Name()] = def
	return nil
}

func (r *Registry) Lookup(aggregateType string) (AggregateDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[aggregateType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAggregateType, aggregateType)
	}
	return def, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.defs))
	for t := range r.defs {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

var _ AggregateDefinition = (*AggregateType[struct{}])(nil)
