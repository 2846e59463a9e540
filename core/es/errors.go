package es

import (
	"errors"
	"fmt"
)

var (
	ErrVersionConflict       = errors.New("version conflict")
	ErrUnknownAggregateType  = errors.New("unknown aggregate type")
	ErrUnknownEventType      = errors.New("unknown event type")
	ErrReplayIntegrity       = errors.New("replay integrity violation")
	ErrProjectionFold        = errors.New("projection fold failed")
	ErrAggregateTypeMismatch = errors.New("aggregate type mismatch")
	ErrNoEvents              = errors.New("no events to append")
	ErrInvalidEvent          = errors.New("invalid event")
	ErrSnapshotNotFound      = errors.New("snapshot not found")
	ErrCheckpointNotFound    = errors.New("checkpoint not found")
	ErrUnknownProjection     = errors.New("unknown projection")
	ErrProjectionExists      = errors.New("projection already registered")
	ErrSubscriptionNotFound  = errors.New("subscription not found")
	ErrClosed                = errors.New("closed")
)

// VersionConflictError is returned by appends whose expected version does
// not match the aggregate head. The log is left untouched.
type VersionConflictError struct {
	AggregateID string
	Expected    ExpectedVersion
	Actual      Version
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on aggregate %s: expected %s, actual %d", e.AggregateID, e.Expected, e.Actual)
}

func (e *VersionConflictError) Unwrap() error { return ErrVersionConflict }

// ReplayIntegrityError signals a stored stream whose versions are not
// gapless. Loading the aggregate is aborted.
type ReplayIntegrityError struct {
	AggregateID string
	Expected    Version
	Got         Version
}

func (e *ReplayIntegrityError) Error() string {
	return fmt.Sprintf("replay integrity violation on aggregate %s: expected version %d, got %d", e.AggregateID, e.Expected, e.Got)
}

func (e *ReplayIntegrityError) Unwrap() error { return ErrReplayIntegrity }

// ProjectionFoldError describes an event a projection skipped because its
// fold failed or timed out.
type ProjectionFoldError struct {
	Projection string
	EventID    string
	Seq        uint64
	Err        error
}

func (e *ProjectionFoldError) Error() string {
	return fmt.Sprintf("projection %s failed on event %s (seq %d): %v", e.Projection, e.EventID, e.Seq, e.Err)
}

func (e *ProjectionFoldError) Unwrap() []error { return []error{ErrProjectionFold, e.Err} }

// IsRetryable reports whether err is a concurrency conflict that a caller
// may resolve by reloading the aggregate and retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
