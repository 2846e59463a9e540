// Package es is an event sourcing core: an append-only event log with
// per-aggregate optimistic concurrency, snapshots, aggregate replay,
// projections and stream subscriptions.
//
// # Event log
//
// [EventLog] is the authoritative store. Every aggregate owns a gapless
// sequence of versions starting at 1; every event additionally gets a
// global Seq and, if it names a stream, a position on that stream.
// [InMemoryLog] is the reference implementation; adapters/bolt and
// adapters/sqlite persist to disk.
//
//	stored, err := log.Append(ctx, "u-1", "user", es.NoStream(),
//	    es.MustNewEvent("UserCreated", UserCreated{Email: "a@b.c"}, es.OnStream("users")),
//	)
//	if errors.Is(err, es.ErrVersionConflict) {
//	    // reload and retry
//	}
//
// # Aggregates
//
// Aggregates are plain state values folded by an explicit apply table:
//
//	users := es.DefineAggregate("user", func() User { return User{} })
//	es.On(users, "UserCreated", func(u User, p UserCreated, _ es.Event) (User, error) {
//	    u.Email = p.Email
//	    return u, nil
//	})
//	registry := es.MustNewRegistry(users)
//
// [Runtime] hydrates them through the cache, the latest snapshot and a
// replay of the remaining events.
//
// # Write path
//
// [Store] ties the pieces together. After a successful append it drops
// the cached aggregate, feeds [Projections], notifies [Subscriptions] and
// lets the [Snapshotter] decide whether a snapshot is due.
//
//	store := es.NewStore(log, registry,
//	    es.WithSnapshotStore(es.NewInMemorySnapshotStore()),
//	    es.WithSnapshotPolicy(100, 2),
//	)
//	defer store.Close()
//
// # Read side
//
// Projections fold the global event sequence into read models with
// exactly-once, in-order application and persistent checkpoints.
// Subscriptions deliver the events of one named stream, first from history
// and then live.
package es
