package es

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type userCreated struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

func TestNewEvent(t *testing.T) {
	pe, err := NewEvent("UserCreated", userCreated{Email: "a@b.c", Name: "A"}, OnStream("users"))
	require.NoError(t, err)
	require.Equal(t, "UserCreated", pe.Type)
	require.Equal(t, "users", pe.StreamName)
	require.JSONEq(t, `{"email":"a@b.c","name":"A"}`, string(pe.Data))

	raw, err := NewEvent("Raw", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	require.Equal(t, `{"x":1}`, string(raw.Data))

	_, err = NewEvent("", nil)
	require.ErrorIs(t, err, ErrInvalidEvent)

	_, err = NewEvent("Bad", []byte("{not json"))
	require.ErrorIs(t, err, ErrInvalidEvent)

	_, err = NewEvent("Chan", make(chan int))
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestPrepareAppend(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	pending := []PendingEvent{
		MustNewEvent("A", nil),
		MustNewEvent("B", map[string]int{"n": 1}, WithEventID("fixed"), WithEventMetadata(Metadata{Timestamp: ts, UserID: "u"})),
	}

	events, err := PrepareAppend("agg-1", "thing", Exact(3), 3, pending)
	require.NoError(t, err)
	require.Len(t, events, 2)

	require.Equal(t, Version(4), events[0].Version)
	require.Equal(t, Version(5), events[1].Version)
	require.NotEmpty(t, events[0].ID)
	require.Equal(t, "fixed", events[1].ID)
	require.False(t, events[0].Metadata.Timestamp.IsZero())
	require.Equal(t, ts, events[1].Metadata.Timestamp)
	require.Equal(t, "agg-1", events[1].AggregateID)
	require.Equal(t, "thing", events[1].AggregateType)
}

func TestPrepareAppend_Rejects(t *testing.T) {
	ev := []PendingEvent{MustNewEvent("A", nil)}

	_, err := PrepareAppend("agg-1", "thing", Exact(2), 3, ev)
	require.ErrorIs(t, err, ErrVersionConflict)

	_, err = PrepareAppend("agg-1", "thing", NoStream(), 1, ev)
	require.ErrorIs(t, err, ErrVersionConflict)

	_, err = PrepareAppend("agg-1", "thing", Any(), 0, nil)
	require.ErrorIs(t, err, ErrNoEvents)

	_, err = PrepareAppend("", "thing", Any(), 0, ev)
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestEvent_Decode(t *testing.T) {
	ev := Event{ID: "1", Type: "UserCreated", Data: json.RawMessage(`{"email":"x@y.z","name":"X"}`)}
	var p userCreated
	require.NoError(t, ev.Decode(&p))
	require.Equal(t, "X", p.Name)

	ev.Data = json.RawMessage(`[`)
	require.Error(t, ev.Decode(&p))
}
