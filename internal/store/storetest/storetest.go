// Package storetest is a conformance suite for store.Store implementations.
//
// Backing stores call Run from their own tests with a factory that returns a
// fresh, uninitialized store:
//
//	func TestConformance(t *testing.T) {
//	    storetest.Run(t, func(t *testing.T) store.Store[storetest.Payload, storetest.Meta] {
//	        return memory.New[storetest.Payload, storetest.Meta]()
//	    })
//	}
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventific/internal/event"
	"github.com/roach88/eventific/internal/store"
	"github.com/roach88/eventific/internal/testutil"
)

// ServiceName is the service every suite test runs under.
const ServiceName = "conformance"

// ErrPoisoned is returned when encoding a poisoned Payload.
var ErrPoisoned = errors.New("poisoned payload")

// Payload is the event payload type used by the suite.
type Payload struct {
	Kind   string `json:"kind"`
	Amount int    `json:"amount"`
	Note   string `json:"note,omitempty"`

	// Poison makes encoding fail, forcing a failure partway through a batch.
	Poison bool `json:"-"`
}

// MarshalJSON fails for poisoned payloads.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.Poison {
		return nil, ErrPoisoned
	}
	type plain Payload
	return json.Marshal(plain(p))
}

// Meta is the metadata type used by the suite.
type Meta struct {
	CorrelationID string `json:"correlation_id"`
	Actor         string `json:"actor"`
}

// Factory returns a new store that has not been initialized.
type Factory func(t *testing.T) store.Store[Payload, Meta]

// Event is shorthand for the suite's event type.
type Event = event.Event[Payload, Meta]

var baseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// NewEvent builds a deterministic event. Metadata is set on even event ids
// only, so both the present and absent cases are covered.
func NewEvent(id event.AggregateID, eventID uint64) Event {
	ev := Event{
		AggregateID: id,
		EventID:     eventID,
		CreatedDate: baseTime.Add(time.Duration(eventID) * time.Second),
		Payload: Payload{
			Kind:   "deposit",
			Amount: int(eventID) * 10,
			Note:   fmt.Sprintf("<event %d & co>", eventID),
		},
	}
	if eventID%2 == 0 {
		ev.Metadata = &Meta{CorrelationID: fmt.Sprintf("corr-%d", eventID), Actor: "tester"}
	}
	return ev
}

// NewEvents builds events from..to (inclusive) for one aggregate.
func NewEvents(id event.AggregateID, from, to uint64) []Event {
	var events []Event
	for i := from; i <= to; i++ {
		events = append(events, NewEvent(id, i))
	}
	return events
}

// AggregateID returns a deterministic aggregate id for n.
func AggregateID(n int) event.AggregateID {
	return testutil.AggregateID(n)
}

// AssertEventsEqual compares events field by field, using time.Equal for
// timestamps since backends may change the location of a time value.
func AssertEventsEqual(t *testing.T, want, got []Event) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].AggregateID, got[i].AggregateID, "event[%d].AggregateID", i)
		assert.Equal(t, want[i].EventID, got[i].EventID, "event[%d].EventID", i)
		assert.True(t, want[i].CreatedDate.Equal(got[i].CreatedDate),
			"event[%d].CreatedDate = %v, want %v", i, got[i].CreatedDate, want[i].CreatedDate)
		assert.Equal(t, want[i].Metadata, got[i].Metadata, "event[%d].Metadata", i)
		assert.Equal(t, want[i].Payload, got[i].Payload, "event[%d].Payload", i)
	}
}

// Run executes the full conformance suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("UninitializedPanics", func(t *testing.T) { testUninitializedPanics(t, newStore) })
	t.Run("UninitializedServicePanics", func(t *testing.T) { testUninitializedServicePanics(t, newStore) })
	t.Run("InitIdempotent", func(t *testing.T) { testInitIdempotent(t, newStore) })
	t.Run("InitRejectsInvalidServiceName", func(t *testing.T) { testInitRejectsInvalidServiceName(t, newStore) })
	t.Run("EmptyAppend", func(t *testing.T) { testEmptyAppend(t, newStore) })
	t.Run("Ordering", func(t *testing.T) { testOrdering(t, newStore) })
	t.Run("OutOfOrderBatch", func(t *testing.T) { testOutOfOrderBatch(t, newStore) })
	t.Run("RestartableStream", func(t *testing.T) { testRestartableStream(t, newStore) })
	t.Run("EarlyBreak", func(t *testing.T) { testEarlyBreak(t, newStore) })
	t.Run("DuplicateRejected", func(t *testing.T) { testDuplicateRejected(t, newStore) })
	t.Run("AtomicOnConstraintViolation", func(t *testing.T) { testAtomicOnConstraintViolation(t, newStore) })
	t.Run("AtomicOnSerializationFailure", func(t *testing.T) { testAtomicOnSerializationFailure(t, newStore) })
	t.Run("MultipleAggregatesInBatch", func(t *testing.T) { testMultipleAggregatesInBatch(t, newStore) })
	t.Run("Counts", func(t *testing.T) { testCounts(t, newStore) })
	t.Run("CountsEmpty", func(t *testing.T) { testCountsEmpty(t, newStore) })
	t.Run("AggregateIDs", func(t *testing.T) { testAggregateIDs(t, newStore) })
	t.Run("ServiceIsolation", func(t *testing.T) { testServiceIsolation(t, newStore) })
	t.Run("ConcurrentReadDuringWrite", func(t *testing.T) { testConcurrentReadDuringWrite(t, newStore) })
}

func sc() event.StoreContext {
	return event.NewStoreContext(ServiceName)
}

func initialized(t *testing.T, newStore Factory) store.Store[Payload, Meta] {
	t.Helper()
	s := newStore(t)
	require.NoError(t, s.Init(context.Background(), sc()))
	return s
}

func mustSave(t *testing.T, s store.Store[Payload, Meta], events []Event) {
	t.Helper()
	result, err := s.SaveEvents(context.Background(), sc(), events)
	require.NoError(t, err)
	require.Equal(t, event.Success, result)
}

func readAll(t *testing.T, s store.Store[Payload, Meta], id event.AggregateID) []Event {
	t.Helper()
	events, err := store.Collect(s.Events(context.Background(), sc(), id))
	require.NoError(t, err)
	return events
}

func testUninitializedPanics(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()
	id := AggregateID(1)

	assert.PanicsWithValue(t, store.ErrNotInitialized, func() { _, _ = s.TotalEvents(ctx, sc()) })
	assert.PanicsWithValue(t, store.ErrNotInitialized, func() { _, _ = s.TotalAggregates(ctx, sc()) })
	assert.PanicsWithValue(t, store.ErrNotInitialized, func() { _, _ = s.TotalEventsForAggregate(ctx, sc(), id) })
	assert.PanicsWithValue(t, store.ErrNotInitialized, func() { _, _ = s.SaveEvents(ctx, sc(), NewEvents(id, 1, 1)) })
	assert.PanicsWithValue(t, store.ErrNotInitialized, func() { s.Events(ctx, sc(), id) })
	assert.PanicsWithValue(t, store.ErrNotInitialized, func() { s.AggregateIDs(ctx, sc()) })
}

// Init provisions one service; every other service stays uninitialized.
func testUninitializedServicePanics(t *testing.T, newStore Factory) {
	s := initialized(t, newStore)
	ctx := context.Background()
	other := event.NewStoreContext("conformance_uninitialized")
	id := AggregateID(1)

	assert.PanicsWithValue(t, store.ErrNotInitialized, func() { _, _ = s.SaveEvents(ctx, other, NewEvents(id, 1, 1)) })
	assert.PanicsWithValue(t, store.ErrNotInitialized, func() { _, _ = s.SaveEvents(ctx, other, nil) })
	assert.PanicsWithValue(t, store.ErrNotInitialized, func() { _, _ = s.TotalEvents(ctx, other) })
	assert.PanicsWithValue(t, store.ErrNotInitialized, func() { _, _ = s.TotalAggregates(ctx, other) })
	assert.PanicsWithValue(t, store.ErrNotInitialized, func() { _, _ = s.TotalEventsForAggregate(ctx, other, id) })
	assert.PanicsWithValue(t, store.ErrNotInitialized, func() { s.Events(ctx, other, id) })
	assert.PanicsWithValue(t, store.ErrNotInitialized, func() { s.AggregateIDs(ctx, other) })

	// The initialized service is unaffected.
	mustSave(t, s, NewEvents(id, 1, 1))
	require.NoError(t, s.Init(ctx, other))
	total, err := s.TotalEvents(ctx, other)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func testInitIdempotent(t *testing.T, newStore Factory) {
	s := initialized(t, newStore)
	mustSave(t, s, NewEvents(AggregateID(1), 1, 2))

	require.NoError(t, s.Init(context.Background(), sc()))

	total, err := s.TotalEvents(context.Background(), sc())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), total, "re-running Init must not drop existing events")
}

func testInitRejectsInvalidServiceName(t *testing.T, newStore Factory) {
	s := newStore(t)
	err := s.Init(context.Background(), event.NewStoreContext(`bad"; DROP TABLE x; --`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, event.ErrInvalidServiceName))
}

func testEmptyAppend(t *testing.T, newStore Factory) {
	s := initialized(t, newStore)
	mustSave(t, s, NewEvents(AggregateID(1), 1, 1))

	result, err := s.SaveEvents(context.Background(), sc(), nil)
	require.NoError(t, err)
	assert.Equal(t, event.AlreadyExists, result)

	result, err = s.SaveEvents(context.Background(), sc(), []Event{})
	require.NoError(t, err)
	assert.Equal(t, event.AlreadyExists, result)

	total, err := s.TotalEvents(context.Background(), sc())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), total)

	aggregates, err := s.TotalAggregates(context.Background(), sc())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), aggregates)
}

func testOrdering(t *testing.T, newStore Factory) {
	s := initialized(t, newStore)
	id := AggregateID(1)

	mustSave(t, s, NewEvents(id, 1, 3))
	mustSave(t, s, NewEvents(id, 4, 4))
	mustSave(t, s, NewEvents(id, 5, 7))

	AssertEventsEqual(t, NewEvents(id, 1, 7), readAll(t, s, id))
}

func testOutOfOrderBatch(t *testing.T, newStore Factory) {
	s := initialized(t, newStore)
	id := AggregateID(1)

	batch := NewEvents(id, 1, 4)
	slices.Reverse(batch)
	mustSave(t, s, batch)

	AssertEventsEqual(t, NewEvents(id, 1, 4), readAll(t, s, id))
}

func testRestartableStream(t *testing.T, newStore Factory) {
	s := initialized(t, newStore)
	id := AggregateID(1)
	mustSave(t, s, NewEvents(id, 1, 3))

	seq := s.Events(context.Background(), sc(), id)

	first, err := store.Collect(seq)
	require.NoError(t, err)
	AssertEventsEqual(t, NewEvents(id, 1, 3), first)

	// A later append is visible to the next range of the same sequence.
	mustSave(t, s, NewEvents(id, 4, 4))
	second, err := store.Collect(seq)
	require.NoError(t, err)
	AssertEventsEqual(t, NewEvents(id, 1, 4), second)
}

func testEarlyBreak(t *testing.T, newStore Factory) {
	s := initialized(t, newStore)
	id := AggregateID(1)
	mustSave(t, s, NewEvents(id, 1, 5))

	seen := 0
	for ev, err := range s.Events(context.Background(), sc(), id) {
		require.NoError(t, err)
		assert.Equal(t, uint64(1), ev.EventID)
		seen++
		break
	}
	assert.Equal(t, 1, seen)

	// Abandoning the stream must release the read side.
	mustSave(t, s, NewEvents(id, 6, 6))
	assert.Len(t, readAll(t, s, id), 6)
}

func testDuplicateRejected(t *testing.T, newStore Factory) {
	s := initialized(t, newStore)
	id := AggregateID(1)
	mustSave(t, s, NewEvents(id, 1, 2))

	dup := NewEvent(id, 2)
	dup.Payload.Amount = 999
	_, err := s.SaveEvents(context.Background(), sc(), []Event{dup})
	require.Error(t, err)
	assert.True(t, store.IsConstraintViolation(err), "want constraint violation, got %v", err)
	assert.False(t, store.IsConnection(err))

	AssertEventsEqual(t, NewEvents(id, 1, 2), readAll(t, s, id))
}

func testAtomicOnConstraintViolation(t *testing.T, newStore Factory) {
	s := initialized(t, newStore)
	id := AggregateID(1)
	other := AggregateID(2)
	mustSave(t, s, NewEvents(id, 1, 2))

	// The last event collides with the one before it.
	batch := append(NewEvents(other, 1, 1), NewEvent(id, 3), NewEvent(id, 4), NewEvent(id, 4))
	_, err := s.SaveEvents(context.Background(), sc(), batch)
	require.Error(t, err)
	assert.True(t, store.IsConstraintViolation(err), "want constraint violation, got %v", err)

	AssertEventsEqual(t, NewEvents(id, 1, 2), readAll(t, s, id))
	assert.Empty(t, readAll(t, s, other))

	total, err := s.TotalEvents(context.Background(), sc())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), total)

	aggregates, err := s.TotalAggregates(context.Background(), sc())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), aggregates)
}

func testAtomicOnSerializationFailure(t *testing.T, newStore Factory) {
	s := initialized(t, newStore)
	id := AggregateID(1)
	mustSave(t, s, NewEvents(id, 1, 1))

	batch := NewEvents(id, 2, 4)
	batch[len(batch)-1].Payload.Poison = true

	_, err := s.SaveEvents(context.Background(), sc(), batch)
	require.Error(t, err)
	assert.True(t, store.IsSerialization(err), "want serialization error, got %v", err)
	assert.True(t, errors.Is(err, ErrPoisoned))

	AssertEventsEqual(t, NewEvents(id, 1, 1), readAll(t, s, id))

	count, err := s.TotalEventsForAggregate(context.Background(), sc(), id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func testMultipleAggregatesInBatch(t *testing.T, newStore Factory) {
	s := initialized(t, newStore)
	a, b := AggregateID(1), AggregateID(2)

	batch := []Event{NewEvent(a, 1), NewEvent(b, 1), NewEvent(a, 2), NewEvent(b, 2)}
	mustSave(t, s, batch)

	AssertEventsEqual(t, NewEvents(a, 1, 2), readAll(t, s, a))
	AssertEventsEqual(t, NewEvents(b, 1, 2), readAll(t, s, b))
}

func testCounts(t *testing.T, newStore Factory) {
	s := initialized(t, newStore)
	ctx := context.Background()
	x, y := AggregateID(1), AggregateID(2)

	mustSave(t, s, NewEvents(x, 1, 3))
	mustSave(t, s, NewEvents(y, 1, 2))

	total, err := s.TotalEvents(ctx, sc())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), total)

	aggregates, err := s.TotalAggregates(ctx, sc())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), aggregates)

	forX, err := s.TotalEventsForAggregate(ctx, sc(), x)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), forX)

	forY, err := s.TotalEventsForAggregate(ctx, sc(), y)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), forY)
}

func testCountsEmpty(t *testing.T, newStore Factory) {
	s := initialized(t, newStore)
	ctx := context.Background()

	total, err := s.TotalEvents(ctx, sc())
	require.NoError(t, err)
	assert.Zero(t, total)

	aggregates, err := s.TotalAggregates(ctx, sc())
	require.NoError(t, err)
	assert.Zero(t, aggregates)

	forUnknown, err := s.TotalEventsForAggregate(ctx, sc(), AggregateID(42))
	require.NoError(t, err)
	assert.Zero(t, forUnknown)

	assert.Empty(t, readAll(t, s, AggregateID(42)))
}

func testAggregateIDs(t *testing.T, newStore Factory) {
	s := initialized(t, newStore)
	want := []event.AggregateID{AggregateID(3), AggregateID(1), AggregateID(2)}
	for _, id := range want {
		mustSave(t, s, NewEvents(id, 1, 2))
	}

	got, err := store.Collect(s.AggregateIDs(context.Background(), sc()))
	require.NoError(t, err)
	assert.ElementsMatch(t, want, got)
}

func testServiceIsolation(t *testing.T, newStore Factory) {
	s := initialized(t, newStore)
	ctx := context.Background()
	other := event.NewStoreContext("conformance_other")
	require.NoError(t, s.Init(ctx, other))

	id := AggregateID(1)
	mustSave(t, s, NewEvents(id, 1, 2))

	// The same aggregate id and event ids are independent in another service.
	result, err := s.SaveEvents(ctx, other, NewEvents(id, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, event.Success, result)

	total, err := s.TotalEvents(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), total)

	total, err = s.TotalEvents(ctx, sc())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), total)
}

func testConcurrentReadDuringWrite(t *testing.T, newStore Factory) {
	s := initialized(t, newStore)
	ctx := context.Background()
	a, b := AggregateID(1), AggregateID(2)
	mustSave(t, s, NewEvents(b, 1, 5))
	wantB := NewEvents(b, 1, 5)

	const batches = 20
	const readers = 4

	var wg sync.WaitGroup
	errs := make(chan error, batches+readers*batches)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(0); i < batches; i++ {
			if _, err := s.SaveEvents(ctx, sc(), NewEvents(a, i*3+1, i*3+3)); err != nil {
				errs <- fmt.Errorf("write batch %d: %w", i, err)
				return
			}
		}
	}()

	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < batches; i++ {
				got, err := store.Collect(s.Events(ctx, sc(), b))
				if err != nil {
					errs <- fmt.Errorf("read: %w", err)
					return
				}
				if len(got) != len(wantB) {
					errs <- fmt.Errorf("read %d events of b, want %d", len(got), len(wantB))
					return
				}
			}
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	AssertEventsEqual(t, wantB, readAll(t, s, b))
	count, err := s.TotalEventsForAggregate(ctx, sc(), a)
	require.NoError(t, err)
	assert.Equal(t, uint64(batches*3), count)
}
