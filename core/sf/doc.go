// Package sf deduplicates concurrent cold loads.
//
// When many commands hit the same aggregate after a cache eviction, only one
// of them replays the event log; the others wait for and share its result.
//
//	loads := sf.New[*es.Aggregate]()
//	agg, shared, err := loads.Do("user/u-1", func() (*es.Aggregate, error) {
//	    return replay(ctx, "u-1")
//	})
//
// Callers that receive a shared result must not mutate it; copy first.
package sf
