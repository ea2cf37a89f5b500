package testutil

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/eventific/internal/event"
)

// AggregateID returns a fixed, human-recognizable UUIDv7-shaped id for n:
// 00000000-0000-7000-8000-<n as 12 decimal digits>.
func AggregateID(n int) event.AggregateID {
	return uuid.MustParse(fmt.Sprintf("00000000-0000-7000-8000-%012d", n))
}

// SequentialIDs generates AggregateID(1), AggregateID(2), ...
//
// Thread-safety: SequentialIDs is safe for concurrent use via internal mutex.
type SequentialIDs struct {
	mu   sync.Mutex
	next int
}

// NewSequentialIDs creates a generator whose first id is AggregateID(1).
func NewSequentialIDs() *SequentialIDs {
	return &SequentialIDs{next: 1}
}

// NewAggregateID returns the next id in sequence.
func (g *SequentialIDs) NewAggregateID() event.AggregateID {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := AggregateID(g.next)
	g.next++
	return id
}
