package store

import (
	"context"
	"iter"

	"github.com/roach88/eventific/internal/event"
)

// Store is the storage contract every backing store satisfies.
//
// D is the event payload type and M the metadata type. Implementations must
// be safe for concurrent use once Init has returned.
//
// Sequences returned by Events and AggregateIDs are lazy: storage is not
// touched until the sequence is ranged, each range re-reads from storage, and
// breaking out of the loop releases the underlying cursor. A failure while
// reading surfaces as a non-nil error item rather than a silently shortened
// sequence. Do not call back into the same store from inside the loop body;
// implementations hold a shared lock for the lifetime of the cursor.
type Store[D, M any] interface {
	// Init establishes the backing connection and provisions the storage
	// structure for sc.ServiceName. Provisioning is idempotent. Every other
	// method panics with ErrNotInitialized when called for a service that
	// Init has not provisioned on this store.
	Init(ctx context.Context, sc event.StoreContext) error

	// SaveEvents persists the batch atomically: either every event becomes
	// visible or none does. An empty batch is a no-op that returns
	// event.AlreadyExists without touching storage. A duplicate
	// (aggregate_id, event_id) fails with a constraint violation.
	SaveEvents(ctx context.Context, sc event.StoreContext, events []event.Event[D, M]) (event.SaveEventsResult, error)

	// Events yields the events of one aggregate ordered by event id ascending.
	Events(ctx context.Context, sc event.StoreContext, id event.AggregateID) iter.Seq2[event.Event[D, M], error]

	// AggregateIDs yields every distinct aggregate id in the store, in no
	// particular order.
	AggregateIDs(ctx context.Context, sc event.StoreContext) iter.Seq2[event.AggregateID, error]

	// TotalAggregates counts distinct aggregates.
	TotalAggregates(ctx context.Context, sc event.StoreContext) (uint64, error)

	// TotalEventsForAggregate counts the events of one aggregate.
	TotalEventsForAggregate(ctx context.Context, sc event.StoreContext, id event.AggregateID) (uint64, error)

	// TotalEvents counts every event of the service.
	TotalEvents(ctx context.Context, sc event.StoreContext) (uint64, error)
}

// FaultReporter is implemented by stores whose connection is supervised in
// the background. A value is sent on the channel once, when the store has
// become unusable.
type FaultReporter interface {
	Faults() <-chan error
}

// Collect drains a sequence into a slice, stopping at the first error.
// Intended for small aggregates and tests; prefer ranging the sequence.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}
