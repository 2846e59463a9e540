// Package cqrs routes commands and queries to their handlers.
//
// A Dispatcher owns exactly one handler per message type. Commands are
// validated, run against a Platform that loads aggregates and appends
// their events, and bounded by a wait budget: when the budget expires the
// caller gets ErrTimeout while the handler finishes on a detached context,
// so an append that was already issued is never torn down halfway.
//
// Version conflicts are returned as they come from the store. Retrying is
// left to the caller (see es.IsRetryable).
package cqrs
