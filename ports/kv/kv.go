// Package kv is the narrow key/value port behind the KV-backed snapshot and
// checkpoint stores. MemStore serves tests; adapters/nats backs it with a
// JetStream key/value bucket.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound = errors.New("not found")
)

type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// Keys returns all keys starting with prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

func Put[T any](ctx context.Context, store Store, key string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, data)
}

func Get[T any](ctx context.Context, store Store, key string) (out T, err error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		return
	}
	err = json.Unmarshal(data, &out)
	return
}

// Key joins parts with "." after escaping every byte outside
// [A-Za-z0-9_-] as "=XX", so arbitrary aggregate IDs and projection names
// map onto the restricted key alphabet of JetStream buckets.
func Key(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = escapePart(p)
	}
	return strings.Join(escaped, ".")
}

func escapePart(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "=%02X", c)
		}
	}
	return b.String()
}
