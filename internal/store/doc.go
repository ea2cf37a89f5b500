// Package store defines the storage contract for per-aggregate event logs.
//
// A Store is an append-only log partitioned by aggregate id and scoped by a
// service name:
//   - Append: SaveEvents persists a batch atomically
//   - Replay: Events streams one aggregate's history in event id order
//   - Enumerate: AggregateIDs streams every known aggregate id
//   - Count: TotalAggregates, TotalEventsForAggregate, TotalEvents
//
// # Guarantees
//
// Ordering: within one aggregate, Events yields exactly the persisted event
// ids in ascending order. No ordering is defined across aggregates.
//
// Atomicity: a failed SaveEvents leaves no trace of the batch.
//
// Uniqueness: (aggregate_id, event_id) is unique. Event ids are assigned by
// the caller; a collision is reported as a KindConstraint error.
//
// Streaming: read sequences are produced lazily from a cursor and are never
// buffered in full by the store.
//
// # Errors
//
// Recoverable failures are returned as *Error values carrying a Kind. The
// store never retries. Using a service before Init has provisioned it panics
// with ErrNotInitialized.
//
// Implementations live in sub-packages: sqlstore (SQLite and PostgreSQL over
// database/sql) and memory. storetest holds the conformance suite they share.
package store
