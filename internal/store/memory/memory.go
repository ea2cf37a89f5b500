// Package memory provides an in-process Store implementation.
//
// Values are encoded with the configured codec on append and decoded on read,
// so payloads go through exactly the same round trip as with a database
// backed store and serialization failures surface the same way.
package memory

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/roach88/eventific/internal/codec"
	"github.com/roach88/eventific/internal/event"
	"github.com/roach88/eventific/internal/store"
)

var _ store.Store[struct{}, struct{}] = (*Store[struct{}, struct{}])(nil)

// Store keeps events in memory. Readers share a lock; appends are exclusive.
type Store[D, M any] struct {
	codec codec.Codec

	mu sync.RWMutex
	// services holds every event space Init has provisioned. Entries are
	// never removed.
	services map[string]*service
}

type service struct {
	// aggregates holds each aggregate's records ordered by event id.
	aggregates map[event.AggregateID][]record
	total      uint64
}

type record struct {
	eventID     uint64
	createdDate time.Time
	metadata    []byte // nil when the event had no metadata
	payload     []byte
}

// Option configures a Store.
type Option func(*options)

type options struct {
	codec codec.Codec
}

// WithCodec overrides the default JSON codec.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// New creates an empty in-memory store.
func New[D, M any](opts ...Option) *Store[D, M] {
	o := options{codec: codec.JSON{}}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store[D, M]{
		codec:    o.codec,
		services: make(map[string]*service),
	}
}

// Init implements store.Store.
func (s *Store[D, M]) Init(ctx context.Context, sc event.StoreContext) error {
	name, err := sc.NormalizedServiceName()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.services[name]; !ok {
		s.services[name] = &service{aggregates: make(map[event.AggregateID][]record)}
	}
	return nil
}

// SaveEvents implements store.Store.
func (s *Store[D, M]) SaveEvents(ctx context.Context, sc event.StoreContext, events []event.Event[D, M]) (event.SaveEventsResult, error) {
	svc, err := s.lookup(sc)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return event.AlreadyExists, nil
	}

	// Encode the whole batch before taking the lock; nothing is written
	// unless every event encodes.
	records := make([]record, len(events))
	for i, ev := range events {
		rec, err := s.encode(ev)
		if err != nil {
			return 0, store.SerializationError("save events", err)
		}
		records[i] = rec
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, store.ConnectionError("save events", err)
	}

	// Reject collisions with persisted events and within the batch itself
	// before mutating anything.
	pending := make(map[event.AggregateID]map[uint64]struct{})
	for i, ev := range events {
		ids := pending[ev.AggregateID]
		if ids == nil {
			ids = make(map[uint64]struct{})
			pending[ev.AggregateID] = ids
		}
		_, inBatch := ids[records[i].eventID]
		if inBatch || contains(svc.aggregates[ev.AggregateID], records[i].eventID) {
			return 0, store.ConstraintError("save events",
				fmt.Errorf("%w: aggregate %s event %d", store.ErrDuplicateEvent, ev.AggregateID, records[i].eventID))
		}
		ids[records[i].eventID] = struct{}{}
	}

	for i, ev := range events {
		svc.aggregates[ev.AggregateID] = insertSorted(svc.aggregates[ev.AggregateID], records[i])
	}
	svc.total += uint64(len(events))

	return event.Success, nil
}

// Events implements store.Store.
func (s *Store[D, M]) Events(ctx context.Context, sc event.StoreContext, id event.AggregateID) iter.Seq2[event.Event[D, M], error] {
	svc, svcErr := s.lookup(sc)

	return func(yield func(event.Event[D, M], error) bool) {
		if svcErr != nil {
			yield(event.Event[D, M]{}, svcErr)
			return
		}

		s.mu.RLock()
		defer s.mu.RUnlock()

		for _, rec := range svc.aggregates[id] {
			if err := ctx.Err(); err != nil {
				yield(event.Event[D, M]{}, store.ConnectionError("events", err))
				return
			}
			if !yield(s.decode(id, rec)) {
				return
			}
		}
	}
}

// AggregateIDs implements store.Store.
func (s *Store[D, M]) AggregateIDs(ctx context.Context, sc event.StoreContext) iter.Seq2[event.AggregateID, error] {
	svc, svcErr := s.lookup(sc)

	return func(yield func(event.AggregateID, error) bool) {
		if svcErr != nil {
			yield(event.AggregateID{}, svcErr)
			return
		}

		s.mu.RLock()
		defer s.mu.RUnlock()

		for id := range svc.aggregates {
			if err := ctx.Err(); err != nil {
				yield(event.AggregateID{}, store.ConnectionError("aggregate ids", err))
				return
			}
			if !yield(id, nil) {
				return
			}
		}
	}
}

// TotalAggregates implements store.Store.
func (s *Store[D, M]) TotalAggregates(ctx context.Context, sc event.StoreContext) (uint64, error) {
	svc, err := s.lookup(sc)
	if err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(svc.aggregates)), nil
}

// TotalEventsForAggregate implements store.Store.
func (s *Store[D, M]) TotalEventsForAggregate(ctx context.Context, sc event.StoreContext, id event.AggregateID) (uint64, error) {
	svc, err := s.lookup(sc)
	if err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(svc.aggregates[id])), nil
}

// TotalEvents implements store.Store.
func (s *Store[D, M]) TotalEvents(ctx context.Context, sc event.StoreContext) (uint64, error) {
	svc, err := s.lookup(sc)
	if err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return svc.total, nil
}

// lookup returns the event space Init provisioned for sc. It panics with
// store.ErrNotInitialized when there is none.
func (s *Store[D, M]) lookup(sc event.StoreContext) (*service, error) {
	name, err := sc.NormalizedServiceName()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	svc, ok := s.services[name]
	s.mu.RUnlock()

	store.MustBeInitialized(ok)
	return svc, nil
}

func (s *Store[D, M]) encode(ev event.Event[D, M]) (record, error) {
	payload, err := s.codec.Marshal(ev.Payload)
	if err != nil {
		return record{}, fmt.Errorf("encode payload of event %d: %w", ev.EventID, err)
	}
	var metadata []byte
	if ev.Metadata != nil {
		metadata, err = s.codec.Marshal(ev.Metadata)
		if err != nil {
			return record{}, fmt.Errorf("encode metadata of event %d: %w", ev.EventID, err)
		}
	}
	return record{
		eventID:     ev.EventID,
		createdDate: ev.CreatedDate,
		metadata:    metadata,
		payload:     payload,
	}, nil
}

func (s *Store[D, M]) decode(id event.AggregateID, rec record) (event.Event[D, M], error) {
	ev := event.Event[D, M]{
		AggregateID: id,
		EventID:     rec.eventID,
		CreatedDate: rec.createdDate,
	}
	if rec.metadata != nil {
		var m M
		if err := s.codec.Unmarshal(rec.metadata, &m); err != nil {
			return ev, store.SerializationError("events", fmt.Errorf("decode metadata of event %d: %w", rec.eventID, err))
		}
		ev.Metadata = &m
	}
	if err := s.codec.Unmarshal(rec.payload, &ev.Payload); err != nil {
		return ev, store.SerializationError("events", fmt.Errorf("decode payload of event %d: %w", rec.eventID, err))
	}
	return ev, nil
}

func contains(records []record, eventID uint64) bool {
	_, found := slices.BinarySearchFunc(records, eventID, compareEventID)
	return found
}

func insertSorted(records []record, rec record) []record {
	i, _ := slices.BinarySearchFunc(records, rec.eventID, compareEventID)
	return slices.Insert(records, i, rec)
}

func compareEventID(r record, eventID uint64) int {
	switch {
	case r.eventID < eventID:
		return -1
	case r.eventID > eventID:
		return 1
	default:
		return 0
	}
}
