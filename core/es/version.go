package es

import (
	"fmt"
	"log/slog"
)

// Version is the position of an event within its aggregate. Versions are
// gapless and start at 1; an aggregate without events is at version 0.
type Version uint64

func (v Version) Uint64() uint64                         { return uint64(v) }
func (v Version) SlogAttr() slog.Attr                    { return newSlogVersionAttr("version", v) }
func (v Version) SlogAttrWithKey(key string) slog.Attr   { return newSlogVersionAttr(key, v) }
func newSlogVersionAttr(key string, v Version) slog.Attr { return slog.Uint64(key, uint64(v)) }

type expectKind uint8

const (
	expectAny expectKind = iota
	expectNoStream
	expectExact
)

// ExpectedVersion is the optimistic concurrency precondition of an append.
// The zero value is Any.
type ExpectedVersion struct {
	kind expectKind
	v    Version
}

// Any appends at the current head, whatever it is.
func Any() ExpectedVersion { return ExpectedVersion{kind: expectAny} }

// NoStream requires that the aggregate has no events yet.
func NoStream() ExpectedVersion { return ExpectedVersion{kind: expectNoStream} }

// Exact requires the aggregate head to be v. Exact(0) is equivalent to
// NoStream.
func Exact(v Version) ExpectedVersion { return ExpectedVersion{kind: expectExact, v: v} }

func (e ExpectedVersion) IsAny() bool { return e.kind == expectAny }

// Matches reports whether an aggregate at head current satisfies e.
func (e ExpectedVersion) Matches(current Version) bool {
	switch e.kind {
	case expectNoStream:
		return current == 0
	case expectExact:
		return current == e.v
	default:
		return true
	}
}

func (e ExpectedVersion) String() string {
	switch e.kind {
	case expectNoStream:
		return "no-stream"
	case expectExact:
		return fmt.Sprintf("%d", e.v)
	default:
		return "any"
	}
}

func (e ExpectedVersion) SlogAttr() slog.Attr { return slog.String("expected_version", e.String()) }
