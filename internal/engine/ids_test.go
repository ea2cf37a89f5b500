package engine

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventific/internal/event"
	"github.com/roach88/eventific/internal/testutil"
)

func TestUUIDv7Generator_Version(t *testing.T) {
	id := UUIDv7Generator{}.NewAggregateID()
	assert.Equal(t, uuid.Version(7), id.Version())
}

func TestUUIDv7Generator_Concurrent(t *testing.T) {
	gen := UUIDv7Generator{}
	const goroutines = 100

	ids := make(chan event.AggregateID, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- gen.NewAggregateID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[event.AggregateID]bool)
	for id := range ids {
		require.False(t, seen[id], "id %s generated twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, goroutines)
}

func TestFixedGenerator(t *testing.T) {
	a, b := testutil.AggregateID(1), testutil.AggregateID(2)
	gen := NewFixedGenerator(a, b)

	assert.Equal(t, a, gen.NewAggregateID())
	assert.Equal(t, b, gen.NewAggregateID())
	assert.PanicsWithValue(t, "FixedGenerator: all ids exhausted", func() { gen.NewAggregateID() })
}
