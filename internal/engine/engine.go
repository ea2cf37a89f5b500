package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/eventific/internal/component"
	"github.com/roach88/eventific/internal/event"
	"github.com/roach88/eventific/internal/notify"
	"github.com/roach88/eventific/internal/store"
)

type state int

const (
	stateCreated state = iota
	stateStarted
	stateClosed
)

// System is the handle applications, components and senders share.
//
// It binds a Store to one service name, publishes the id of every aggregate
// touched by a successful append, and owns the lifecycle of the registered
// extensions.
//
// Thread-safety model:
//   - Append, reads, NewEvent, Subscribe: safe from any goroutine
//   - Use, RegisterSender, Start, Close: safe from any goroutine, but meant
//     to be called during setup and shutdown
type System[D, M any] struct {
	store      store.Store[D, M]
	sc         event.StoreContext
	clock      Clock
	ids        IDGenerator
	logger     *slog.Logger
	bus        *notify.Broadcaster[event.AggregateID]
	components *component.Registry[*System[D, M]]
	onFault    func(error)
	maxBatch   int

	// lifecycle serializes Start and Close; mu guards the fields below.
	lifecycle   sync.Mutex
	mu          sync.Mutex
	state       state
	senders     []notify.Sender[*System[D, M]]
	senderNames map[string]struct{}
	receivers   []*notify.Receiver[event.AggregateID]
	runCtx      context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

type config struct {
	backlog  int
	clock    Clock
	ids      IDGenerator
	logger   *slog.Logger
	onFault  func(error)
	maxBatch int
}

// Option configures a System.
type Option func(*config)

// WithBacklog sets the per-sender notification backlog.
//
// Default: notify.DefaultBacklog. A sender that falls further behind skips
// the oldest notifications and is told how many it missed.
func WithBacklog(n int) Option {
	return func(c *config) {
		c.backlog = n
	}
}

// WithClock sets the clock used by NewEvent.
func WithClock(clock Clock) Option {
	return func(c *config) {
		c.clock = clock
	}
}

// WithIDGenerator sets the generator used by NewAggregateID.
func WithIDGenerator(ids IDGenerator) Option {
	return func(c *config) {
		c.ids = ids
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithFaultHandler sets the function called when the store reports that its
// connection failed. Default: log the fault.
func WithFaultHandler(fn func(error)) Option {
	return func(c *config) {
		c.onFault = fn
	}
}

// WithMaxBatchSize rejects appends of more than n events. Zero means no limit.
func WithMaxBatchSize(n int) Option {
	return func(c *config) {
		c.maxBatch = n
	}
}

// New creates a System for serviceName on top of st. The store is initialized
// by Start.
func New[D, M any](st store.Store[D, M], serviceName string, opts ...Option) (*System[D, M], error) {
	sc := event.NewStoreContext(serviceName)
	if _, err := sc.NormalizedServiceName(); err != nil {
		return nil, err
	}

	cfg := config{
		backlog: notify.DefaultBacklog,
		clock:   SystemClock{},
		ids:     UUIDv7Generator{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := cfg.logger.With("service", serviceName)
	s := &System[D, M]{
		store:       st,
		sc:          sc,
		clock:       cfg.clock,
		ids:         cfg.ids,
		logger:      logger,
		bus:         notify.NewBroadcaster[event.AggregateID](cfg.backlog),
		components:  component.NewRegistry[*System[D, M]](logger),
		onFault:     cfg.onFault,
		maxBatch:    cfg.maxBatch,
		senderNames: make(map[string]struct{}),
	}
	if s.onFault == nil {
		s.onFault = func(err error) {
			logger.Error("store faulted", "error", err)
		}
	}
	return s, nil
}

// ServiceName returns the service name the system was created with.
func (s *System[D, M]) ServiceName() string {
	return s.sc.ServiceName
}

// StoreContext returns the context passed to every store call.
func (s *System[D, M]) StoreContext() event.StoreContext {
	return s.sc
}

// Store returns the underlying store.
func (s *System[D, M]) Store() store.Store[D, M] {
	return s.store
}

// Logger returns the system's logger.
func (s *System[D, M]) Logger() *slog.Logger {
	return s.logger
}

// Use registers a component. Components must be registered before Start.
func (s *System[D, M]) Use(c component.Component[*System[D, M]]) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateCreated {
		return newStateError(ErrCodeAlreadyStarted, "components must be registered before Start")
	}
	return s.components.Register(c)
}

// RegisterSender adds a notification sender. Senders registered before Start
// are initialized by Start; later ones are initialized immediately.
func (s *System[D, M]) RegisterSender(sender notify.Sender[*System[D, M]]) error {
	name := sender.Name()

	s.mu.Lock()
	switch {
	case s.state == stateClosed:
		s.mu.Unlock()
		return newStateError(ErrCodeClosed, "system is closed")
	case hasKey(s.senderNames, name):
		s.mu.Unlock()
		return &RuntimeError{Code: ErrCodeDuplicateSender, Message: "sender name already registered", Name: name}
	}
	s.senderNames[name] = struct{}{}
	if s.state == stateCreated {
		s.senders = append(s.senders, sender)
		s.mu.Unlock()
		return nil
	}
	runCtx := s.runCtx
	s.mu.Unlock()

	// Init may call back into the system, so no lock is held here.
	if err := s.initSender(runCtx, sender); err != nil {
		s.mu.Lock()
		delete(s.senderNames, name)
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.senders = append(s.senders, sender)
	s.mu.Unlock()
	return nil
}

// Start initializes the store, then every sender, then every component in
// registration order. Goroutines started by senders live until Close.
//
// When a sender or component fails, the senders' context is canceled and the
// system returns to its unstarted state.
func (s *System[D, M]) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	current := s.state
	s.mu.Unlock()
	switch current {
	case stateStarted:
		return newStateError(ErrCodeAlreadyStarted, "system already started")
	case stateClosed:
		return newStateError(ErrCodeClosed, "system is closed")
	}

	s.logger.Info("system starting")

	if err := s.store.Init(ctx, s.sc); err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	// From here on the system accepts appends, and senders registered
	// concurrently are initialized by RegisterSender itself.
	s.mu.Lock()
	s.runCtx, s.cancel = runCtx, cancel
	s.state = stateStarted
	senders := slices.Clone(s.senders)
	senderNames := maps.Clone(s.senderNames)
	s.mu.Unlock()

	s.watchFaults(runCtx)

	// fail undoes everything Start did, including senders that components
	// registered from their Init.
	fail := func(err error) error {
		cancel()
		s.wg.Wait()
		s.mu.Lock()
		s.state = stateCreated
		s.senders = senders
		s.senderNames = senderNames
		receivers := s.receivers
		s.receivers = nil
		s.mu.Unlock()
		for _, rx := range receivers {
			rx.Close()
		}
		s.logger.Error("system start failed", "error", err)
		return err
	}

	for _, sender := range senders {
		if err := s.initSender(runCtx, sender); err != nil {
			return fail(err)
		}
	}
	if err := s.components.InitAll(ctx, s); err != nil {
		return fail(err)
	}

	s.logger.Info("system started", "senders", len(senders), "components", len(s.components.Names()))
	return nil
}

func (s *System[D, M]) initSender(ctx context.Context, sender notify.Sender[*System[D, M]]) error {
	rx := s.bus.Subscribe()
	if err := sender.Init(ctx, s, rx); err != nil {
		rx.Close()
		return &RuntimeError{Code: ErrCodeSenderInit, Message: "sender init failed", Name: sender.Name(), Err: err}
	}
	s.mu.Lock()
	s.receivers = append(s.receivers, rx)
	s.mu.Unlock()
	s.logger.Debug("sender initialized", "sender", sender.Name())
	return nil
}

// watchFaults forwards a store fault to the fault handler until ctx is done.
func (s *System[D, M]) watchFaults(ctx context.Context) {
	fr, ok := s.store.(store.FaultReporter)
	if !ok {
		return
	}
	faults := fr.Faults()
	if faults == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case err, ok := <-faults:
			if ok && err != nil {
				s.onFault(err)
			}
		case <-ctx.Done():
		}
	}()
}

// Close stops components in reverse order, ends notification delivery and
// closes the store when it is an io.Closer. Close is idempotent.
func (s *System[D, M]) Close(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return nil
	}
	wasStarted := s.state == stateStarted
	cancel := s.cancel
	s.state = stateClosed
	s.mu.Unlock()

	s.logger.Info("system stopping")

	var errs []error
	if wasStarted {
		if err := s.components.StopAll(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	s.bus.Close()
	s.wg.Wait()

	if c, ok := s.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Append persists events atomically. On success every distinct aggregate id
// in the batch is published once, in first-appearance order.
func (s *System[D, M]) Append(ctx context.Context, events []event.Event[D, M]) (event.SaveEventsResult, error) {
	if err := s.checkStarted(); err != nil {
		return 0, err
	}
	if s.maxBatch > 0 && len(events) > s.maxBatch {
		return 0, NewQuotaError(len(events), s.maxBatch)
	}

	result, err := s.store.SaveEvents(ctx, s.sc, events)
	if err != nil {
		s.logger.Warn("append failed", "events", len(events), "error", err)
		return result, err
	}
	if result != event.Success {
		return result, nil
	}

	for _, id := range event.DistinctAggregates(events) {
		receivers := s.bus.Publish(id)
		s.logger.Debug("aggregate changed", "aggregate_id", id, "receivers", receivers)
	}
	return result, nil
}

// NewEvent builds an event stamped with the system clock.
func (s *System[D, M]) NewEvent(id event.AggregateID, eventID uint64, payload D, metadata *M) event.Event[D, M] {
	return event.Event[D, M]{
		AggregateID: id,
		EventID:     eventID,
		CreatedDate: s.clock.Now(),
		Metadata:    metadata,
		Payload:     payload,
	}
}

// NewAggregateID returns an id for a new aggregate.
func (s *System[D, M]) NewAggregateID() event.AggregateID {
	return s.ids.NewAggregateID()
}

// NextEventID returns the id for the next event of an aggregate whose event
// ids run contiguously from 1.
func (s *System[D, M]) NextEventID(ctx context.Context, id event.AggregateID) (uint64, error) {
	n, err := s.TotalEventsForAggregate(ctx, id)
	if err != nil {
		return 0, err
	}
	return n + 1, nil
}

// Events streams an aggregate's events in event id order.
func (s *System[D, M]) Events(ctx context.Context, id event.AggregateID) iter.Seq2[event.Event[D, M], error] {
	if err := s.checkStarted(); err != nil {
		return failed[event.Event[D, M]](err)
	}
	return s.store.Events(ctx, s.sc, id)
}

// AggregateIDs streams every aggregate id of the service.
func (s *System[D, M]) AggregateIDs(ctx context.Context) iter.Seq2[event.AggregateID, error] {
	if err := s.checkStarted(); err != nil {
		return failed[event.AggregateID](err)
	}
	return s.store.AggregateIDs(ctx, s.sc)
}

// TotalAggregates counts the service's aggregates.
func (s *System[D, M]) TotalAggregates(ctx context.Context) (uint64, error) {
	if err := s.checkStarted(); err != nil {
		return 0, err
	}
	return s.store.TotalAggregates(ctx, s.sc)
}

// TotalEventsForAggregate counts one aggregate's events.
func (s *System[D, M]) TotalEventsForAggregate(ctx context.Context, id event.AggregateID) (uint64, error) {
	if err := s.checkStarted(); err != nil {
		return 0, err
	}
	return s.store.TotalEventsForAggregate(ctx, s.sc, id)
}

// TotalEvents counts the service's events.
func (s *System[D, M]) TotalEvents(ctx context.Context) (uint64, error) {
	if err := s.checkStarted(); err != nil {
		return 0, err
	}
	return s.store.TotalEvents(ctx, s.sc)
}

// Subscribe returns a receiver of aggregate change notifications. The caller
// must drain it or Close it.
func (s *System[D, M]) Subscribe() *notify.Receiver[event.AggregateID] {
	return s.bus.Subscribe()
}

func (s *System[D, M]) checkStarted() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateCreated:
		return newStateError(ErrCodeNotStarted, "system has not been started")
	case stateClosed:
		return newStateError(ErrCodeClosed, "system is closed")
	}
	return nil
}

func failed[T any](err error) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		yield(zero, err)
	}
}

func hasKey[K comparable, V any](m map[K]V, k K) bool {
	_, ok := m[k]
	return ok
}
