package es

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Metadata travels with every event. Timestamp is set by the log when the
// draft leaves it zero.
type Metadata struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CausationID   string    `json:"causation_id,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
	Source        string    `json:"source,omitempty"`
}

// Event is an immutable fact stored in the log.
type Event struct {
	ID            string  `json:"id"`
	Type          string  `json:"type"`
	AggregateID   string  `json:"aggregate_id"`
	AggregateType string  `json:"aggregate_type"`
	Version       Version `json:"version"`
	// Seq is the global log position, strictly increasing across the store.
	Seq uint64 `json:"seq"`
	// StreamName optionally places the event on a named stream for
	// subscribers. StreamPosition is its 1-based position there.
	StreamName     string          `json:"stream,omitempty"`
	StreamPosition uint64          `json:"stream_position,omitempty"`
	Data           json.RawMessage `json:"data"`
	Metadata       Metadata        `json:"metadata"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s event %s: %w", e.Type, e.ID, err)
	}
	return nil
}

func (e Event) SlogAttr() slog.Attr {
	return slog.Group(
		"event",
		slog.String("id", e.ID),
		slog.String("type", e.Type),
		slog.String("aggregate_id", e.AggregateID),
		e.Version.SlogAttr(),
		slog.Uint64("seq", e.Seq),
	)
}

// PendingEvent is an event draft handed to Append. The log assigns
// aggregate, version, sequence and stream position.
type PendingEvent struct {
	ID         string
	Type       string
	Data       json.RawMessage
	StreamName string
	Metadata   Metadata
}

type PendingOption func(*PendingEvent)

// OnStream publishes the event on the named subscription stream.
func OnStream(name string) PendingOption {
	return func(p *PendingEvent) { p.StreamName = name }
}

// WithEventMetadata sets the draft metadata.
func WithEventMetadata(md Metadata) PendingOption {
	return func(p *PendingEvent) { p.Metadata = md }
}

// WithEventID overrides the generated UUID, for idempotent producers.
func WithEventID(id string) PendingOption {
	return func(p *PendingEvent) { p.ID = id }
}

// NewEvent drafts an event of eventType with payload marshalled to JSON.
// A json.RawMessage or []byte payload is stored as is.
func NewEvent(eventType string, payload any, opts ...PendingOption) (PendingEvent, error) {
	var data json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		data = p
	case []byte:
		data = p
	case nil:
		data = json.RawMessage("null")
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return PendingEvent{}, fmt.Errorf("%w: marshal %s payload: %v", ErrInvalidEvent, eventType, err)
		}
		data = b
	}

	pe := PendingEvent{Type: eventType, Data: data}
	for _, opt := range opts {
		opt(&pe)
	}
	return pe, pe.validate()
}

// MustNewEvent is NewEvent for payloads that cannot fail to marshal.
func MustNewEvent(eventType string, payload any, opts ...PendingOption) PendingEvent {
	pe, err := NewEvent(eventType, payload, opts...)
	if err != nil {
		panic(err)
	}
	return pe
}

func (p PendingEvent) validate() error {
	if p.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}
	if len(p.Data) > 0 && !json.Valid(p.Data) {
		return fmt.Errorf("%w: %s payload is not valid JSON", ErrInvalidEvent, p.Type)
	}
	return nil
}

// PrepareAppend checks the expected version against current and turns the
// drafts into events numbered current+1, current+2, ... Seq and stream
// positions are left for the log to assign. Every EventLog implementation
// calls it while holding the aggregate's write lock.
func PrepareAppend(
	aggregateID, aggregateType string,
	expected ExpectedVersion,
	current Version,
	pending []PendingEvent,
) ([]Event, error) {
	if aggregateID == "" {
		return nil, fmt.Errorf("%w: missing aggregate id", ErrInvalidEvent)
	}
	if aggregateType == "" {
		return nil, fmt.Errorf("%w: missing aggregate type", ErrInvalidEvent)
	}
	if len(pending) == 0 {
		return nil, ErrNoEvents
	}
	if !expected.Matches(current) {
		return nil, &VersionConflictError{AggregateID: aggregateID, Expected: expected, Actual: current}
	}

	now := time.Now().UTC()
	out := make([]Event, len(pending))
	for i, p := range pending {
		if err := p.validate(); err != nil {
			return nil, err
		}
		ev := Event{
			ID:            p.ID,
			Type:          p.Type,
			AggregateID:   aggregateID,
			AggregateType: aggregateType,
			Version:       current + Version(i) + 1,
			StreamName:    p.StreamName,
			Data:          p.Data,
			Metadata:      p.Metadata,
		}
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if len(ev.Data) == 0 {
			ev.Data = json.RawMessage("null")
		}
		if ev.Metadata.Timestamp.IsZero() {
			ev.Metadata.Timestamp = now
		}
		out[i] = ev
	}
	return out, nil
}
