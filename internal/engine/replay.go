package engine

import (
	"context"
	"fmt"

	"github.com/roach88/eventific/internal/event"
)

// ReplayError reports the event whose application failed during Fold.
type ReplayError struct {
	AggregateID event.AggregateID
	EventID     uint64
	Err         error
}

// Error implements the error interface.
func (e *ReplayError) Error() string {
	if e.EventID == 0 {
		return fmt.Sprintf("replay %s: %v", e.AggregateID, e.Err)
	}
	return fmt.Sprintf("replay %s at event %d: %v", e.AggregateID, e.EventID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ReplayError) Unwrap() error {
	return e.Err
}

// Fold rebuilds the state of one aggregate by applying its events, in event
// id order, to initial. It returns the resulting state and the id of the last
// event applied (zero for an aggregate with no events), which is the version
// a follow-up append should build on.
//
// apply must be deterministic: folding the same history twice yields the
// same state. Reading stops at the first store or apply error.
func Fold[D, M, S any](ctx context.Context, sys *System[D, M], id event.AggregateID, initial S, apply func(S, event.Event[D, M]) (S, error)) (S, uint64, error) {
	state := initial
	var version uint64

	for ev, err := range sys.Events(ctx, id) {
		if err != nil {
			return initial, 0, &ReplayError{AggregateID: id, Err: err}
		}
		next, err := apply(state, ev)
		if err != nil {
			return initial, 0, &ReplayError{AggregateID: id, EventID: ev.EventID, Err: err}
		}
		state, version = next, ev.EventID
	}

	sys.logger.Debug("aggregate replayed", "aggregate_id", id, "version", version)
	return state, version, nil
}
