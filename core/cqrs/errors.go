package cqrs

import "errors"

var (
	ErrInvalidCommand   = errors.New("invalid command")
	ErrInvalidQuery     = errors.New("invalid query")
	ErrUnhandledCommand = errors.New("no handler for command")
	ErrUnhandledQuery   = errors.New("no handler for query")
	ErrDuplicateHandler = errors.New("handler already registered")
	ErrTimeout          = errors.New("dispatch timed out")
	ErrHandlerPanic     = errors.New("handler panicked")
)
