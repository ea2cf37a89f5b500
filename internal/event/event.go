// Package event defines the data every other package operates on: the
// immutable Event record, the StoreContext that scopes storage to one
// service, and the result of an append.
//
// Events are created by the caller, appended exactly once and never mutated.
// The caller assigns EventID; within one aggregate ids start at 1 and are
// strictly increasing. Stores do not generate ids.
package event

import (
	"time"

	"github.com/google/uuid"
)

// AggregateID groups the events that make up one entity's history.
type AggregateID = uuid.UUID

// NewAggregateID returns a time-sortable UUIDv7 aggregate id.
//
// Panics if UUID generation fails (should never happen in practice).
func NewAggregateID() AggregateID {
	return uuid.Must(uuid.NewV7())
}

// ParseAggregateID parses the canonical textual form of an aggregate id.
func ParseAggregateID(s string) (AggregateID, error) {
	return uuid.Parse(s)
}

// Event is one immutable fact in an aggregate's history.
//
// D is the application payload and M the application metadata. Both must
// round-trip through the store's codec. A nil Metadata means "no metadata".
type Event[D, M any] struct {
	AggregateID AggregateID `json:"aggregate_id"`
	EventID     uint64      `json:"event_id"`
	CreatedDate time.Time   `json:"created_date"`
	Metadata    *M          `json:"metadata,omitempty"`
	Payload     D           `json:"payload"`
}

// SaveEventsResult is the outcome of a successful append.
type SaveEventsResult int

const (
	// Success means the batch was persisted.
	Success SaveEventsResult = iota + 1
	// AlreadyExists means the batch was empty and nothing was written.
	AlreadyExists
)

// String implements fmt.Stringer.
func (r SaveEventsResult) String() string {
	switch r {
	case Success:
		return "Success"
	case AlreadyExists:
		return "AlreadyExists"
	default:
		return "Unknown"
	}
}

// DistinctAggregates returns the aggregate ids referenced by events in
// first-appearance order, each id once.
func DistinctAggregates[D, M any](events []Event[D, M]) []AggregateID {
	if len(events) == 0 {
		return nil
	}
	seen := make(map[AggregateID]struct{}, 1)
	var ids []AggregateID
	for _, ev := range events {
		if _, ok := seen[ev.AggregateID]; ok {
			continue
		}
		seen[ev.AggregateID] = struct{}{}
		ids = append(ids, ev.AggregateID)
	}
	return ids
}
