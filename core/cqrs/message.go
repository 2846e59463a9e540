package cqrs

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/codewandler/escore/core/es"
)

var validate = validator.New()

// Command asks an aggregate to change.
type Command struct {
	Type        string          `json:"type" validate:"required"`
	AggregateID string          `json:"aggregate_id" validate:"required"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Metadata    es.Metadata     `json:"metadata"`
}

// Query reads state without changing it.
type Query struct {
	Type     string          `json:"type" validate:"required"`
	Params   json.RawMessage `json:"params,omitempty"`
	Metadata es.Metadata     `json:"metadata"`
}

// NewCommand encodes payload as the command payload.
func NewCommand(cmdType, aggregateID string, payload any) (Command, error) {
	data, err := encode(payload)
	if err != nil {
		return Command{}, fmt.Errorf("encode payload of %s: %w", cmdType, err)
	}
	return Command{Type: cmdType, AggregateID: aggregateID, Payload: data}, nil
}

// NewQuery encodes params as the query parameters.
func NewQuery(queryType string, params any) (Query, error) {
	data, err := encode(params)
	if err != nil {
		return Query{}, fmt.Errorf("encode params of %s: %w", queryType, err)
	}
	return Query{Type: queryType, Params: data}, nil
}

// Decode unmarshals the payload into v and validates it when v is a
// struct with validate tags.
func (c Command) Decode(v any) error {
	if err := decode(c.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidCommand, c.Type, err)
	}
	return nil
}

func (q Query) Decode(v any) error {
	if err := decode(q.Params, v); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidQuery, q.Type, err)
	}
	return nil
}

func (c Command) SlogAttr() slog.Attr {
	return slog.Group("cmd",
		slog.String("type", c.Type),
		slog.String("aggregate_id", c.AggregateID),
	)
}

func (q Query) SlogAttr() slog.Attr {
	return slog.Group("query", slog.String("type", q.Type))
}

// Result is what a command handler reports back: the aggregate after the
// append, the events it produced, and optional handler data.
type Result struct {
	AggregateID string
	Version     es.Version
	Events      []es.Event
	Data        any
}

// ResultOf builds the Result of appending events to agg.
func ResultOf(agg *es.Aggregate, events []es.Event) Result {
	return Result{AggregateID: agg.ID, Version: agg.Version, Events: events}
}

func encode(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	case []byte:
		return json.RawMessage(t), nil
	}
	return json.Marshal(v)
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return err
	}
	if err := validate.Struct(v); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			// not a struct, nothing to validate
			return nil
		}
		return err
	}
	return nil
}
