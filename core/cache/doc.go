// Package cache provides the hydrated-aggregate cache used by the aggregate
// runtime: an LRU with optional per-entry and default TTL, and a no-op
// implementation for deployments that always replay.
//
// [LRU] serializes all access through a single goroutine, so it is safe for
// concurrent use without external locking:
//
//	c := cache.NewLRU(cache.LRUOpts{Size: 1000, TTL: time.Minute})
//	defer c.Close()
//
//	aggregates := cache.NewTyped[*es.Aggregate](c)
//	aggregates.Put("user/u-1", agg)
//
// Expired entries are lazily evicted on access. The cache is never
// authoritative: the event log is, and writers delete entries after every
// append.
package cache
