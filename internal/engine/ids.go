package engine

import (
	"sync"

	"github.com/roach88/eventific/internal/event"
)

// IDGenerator produces identifiers for new aggregates.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type IDGenerator interface {
	NewAggregateID() event.AggregateID
}

// UUIDv7Generator generates time-sortable UUIDv7 aggregate ids.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// NewAggregateID returns a fresh UUIDv7.
func (UUIDv7Generator) NewAggregateID() event.AggregateID {
	return event.NewAggregateID()
}

// FixedGenerator returns predetermined ids for testing.
//
// Thread-safety: FixedGenerator is safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []event.AggregateID
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
func NewFixedGenerator(ids ...event.AggregateID) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// NewAggregateID returns the next predetermined id.
//
// Panics if all ids have been consumed, to catch test misconfiguration.
func (g *FixedGenerator) NewAggregateID() event.AggregateID {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}
