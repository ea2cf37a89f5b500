package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventific/internal/event"
	"github.com/roach88/eventific/internal/notify"
	"github.com/roach88/eventific/internal/store"
	"github.com/roach88/eventific/internal/store/memory"
	"github.com/roach88/eventific/internal/testutil"
)

type payload struct {
	Kind   string `json:"kind"`
	Amount int    `json:"amount"`
}

type meta struct {
	Actor string `json:"actor"`
}

type testSystem = System[payload, meta]

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSystem(t *testing.T, opts ...Option) *testSystem {
	t.Helper()
	opts = append([]Option{
		WithLogger(quietLogger()),
		WithClock(testutil.NewDeterministicClock()),
		WithIDGenerator(testutil.NewSequentialIDs()),
	}, opts...)
	s, err := New[payload, meta](memory.New[payload, meta](), "accounts", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func startedSystem(t *testing.T, opts ...Option) *testSystem {
	t.Helper()
	s := newSystem(t, opts...)
	require.NoError(t, s.Start(context.Background()))
	return s
}

func recv(t *testing.T, rx *notify.Receiver[event.AggregateID]) event.AggregateID {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	id, err := rx.Recv(ctx)
	require.NoError(t, err)
	return id
}

func TestNew_RejectsInvalidServiceName(t *testing.T) {
	_, err := New[payload, meta](memory.New[payload, meta](), "no spaces allowed")
	require.Error(t, err)
	assert.ErrorIs(t, err, event.ErrInvalidServiceName)
}

func TestAppend_RequiresStart(t *testing.T) {
	s := newSystem(t)

	_, err := s.Append(context.Background(), nil)
	assert.True(t, HasCode(err, ErrCodeNotStarted))

	_, err = store.Collect(s.Events(context.Background(), testutil.AggregateID(1)))
	assert.True(t, HasCode(err, ErrCodeNotStarted))
}

func TestAppend_PublishesDistinctAggregates(t *testing.T) {
	s := startedSystem(t)
	rx := s.Subscribe()
	defer rx.Close()

	a, b := s.NewAggregateID(), s.NewAggregateID()
	events := []event.Event[payload, meta]{
		s.NewEvent(a, 1, payload{Kind: "open"}, nil),
		s.NewEvent(b, 1, payload{Kind: "open"}, nil),
		s.NewEvent(a, 2, payload{Kind: "deposit", Amount: 5}, &meta{Actor: "alice"}),
	}

	result, err := s.Append(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, event.Success, result)

	assert.Equal(t, a, recv(t, rx))
	assert.Equal(t, b, recv(t, rx))
	_, err = rx.TryRecv()
	assert.ErrorIs(t, err, notify.ErrEmpty, "each aggregate is published once")
}

func TestAppend_FailureDoesNotPublish(t *testing.T) {
	s := startedSystem(t)
	rx := s.Subscribe()
	defer rx.Close()

	id := s.NewAggregateID()
	_, err := s.Append(context.Background(), []event.Event[payload, meta]{s.NewEvent(id, 1, payload{}, nil)})
	require.NoError(t, err)
	recv(t, rx)

	_, err = s.Append(context.Background(), []event.Event[payload, meta]{s.NewEvent(id, 1, payload{}, nil)})
	require.Error(t, err)
	assert.True(t, store.IsConstraintViolation(err))

	result, err := s.Append(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, event.AlreadyExists, result)

	_, err = rx.TryRecv()
	assert.ErrorIs(t, err, notify.ErrEmpty)
}

func TestAppend_MaxBatchSize(t *testing.T) {
	s := startedSystem(t, WithMaxBatchSize(1))
	id := s.NewAggregateID()

	_, err := s.Append(context.Background(), []event.Event[payload, meta]{
		s.NewEvent(id, 1, payload{}, nil),
		s.NewEvent(id, 2, payload{}, nil),
	})
	require.Error(t, err)
	assert.True(t, IsQuotaError(err))

	total, err := s.TotalEvents(context.Background())
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestNewEvent_UsesClock(t *testing.T) {
	s := newSystem(t)
	id := testutil.AggregateID(7)

	first := s.NewEvent(id, 1, payload{Kind: "open"}, nil)
	second := s.NewEvent(id, 2, payload{Kind: "close"}, &meta{Actor: "bob"})

	assert.Equal(t, testutil.Epoch, first.CreatedDate)
	assert.Equal(t, testutil.Epoch.Add(time.Second), second.CreatedDate)
	assert.Equal(t, id, second.AggregateID)
	assert.Equal(t, uint64(2), second.EventID)
	assert.Equal(t, "bob", second.Metadata.Actor)
}

func TestReadPassthroughs(t *testing.T) {
	ctx := context.Background()
	s := startedSystem(t)
	id := s.NewAggregateID()

	next, err := s.NextEventID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next)

	_, err = s.Append(ctx, []event.Event[payload, meta]{
		s.NewEvent(id, 1, payload{Kind: "open"}, nil),
		s.NewEvent(id, 2, payload{Kind: "deposit", Amount: 3}, nil),
	})
	require.NoError(t, err)

	next, err = s.NextEventID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), next)

	events, err := store.Collect(s.Events(ctx, id))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 3, events[1].Payload.Amount)

	ids, err := store.Collect(s.AggregateIDs(ctx))
	require.NoError(t, err)
	assert.Equal(t, []event.AggregateID{id}, ids)

	aggregates, err := s.TotalAggregates(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), aggregates)

	total, err := s.TotalEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), total)
}

func TestStart_Twice(t *testing.T) {
	s := startedSystem(t)
	err := s.Start(context.Background())
	assert.True(t, HasCode(err, ErrCodeAlreadyStarted))
}

type recordingSender struct {
	name    string
	initErr error

	mu  sync.Mutex
	ids []event.AggregateID
	rx  *notify.Receiver[event.AggregateID]
	sys *testSystem
}

func (r *recordingSender) Name() string { return r.name }

func (r *recordingSender) Init(ctx context.Context, sys *testSystem, rx *notify.Receiver[event.AggregateID]) error {
	if r.initErr != nil {
		return r.initErr
	}
	r.mu.Lock()
	r.rx, r.sys = rx, sys
	r.mu.Unlock()
	return nil
}

func TestRegisterSender_UniqueNames(t *testing.T) {
	s := newSystem(t)
	require.NoError(t, s.RegisterSender(&recordingSender{name: "audit"}))

	err := s.RegisterSender(&recordingSender{name: "audit"})
	require.Error(t, err)
	assert.True(t, IsDuplicateSender(err))
}

func TestSenders_ReceiveNotifications(t *testing.T) {
	ctx := context.Background()
	s := newSystem(t)
	early := &recordingSender{name: "early"}
	require.NoError(t, s.RegisterSender(early))
	require.NoError(t, s.Start(ctx))

	late := &recordingSender{name: "late"}
	require.NoError(t, s.RegisterSender(late))

	assert.Same(t, s, early.sys)
	assert.Same(t, s, late.sys)

	id := s.NewAggregateID()
	_, err := s.Append(ctx, []event.Event[payload, meta]{s.NewEvent(id, 1, payload{}, nil)})
	require.NoError(t, err)

	assert.Equal(t, id, recv(t, early.rx))
	assert.Equal(t, id, recv(t, late.rx))
}

func TestStart_SenderInitFailure(t *testing.T) {
	s := newSystem(t)
	boom := errors.New("boom")
	require.NoError(t, s.RegisterSender(&recordingSender{name: "broken", initErr: boom}))

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeSenderInit))
	assert.ErrorIs(t, err, boom)

	_, err = s.Append(context.Background(), nil)
	assert.True(t, HasCode(err, ErrCodeNotStarted), "a failed start leaves the system unstarted")
}

type lifecycleComponent struct {
	name    string
	log     *[]string
	initErr error
}

func (c *lifecycleComponent) ComponentName() string { return c.name }

func (c *lifecycleComponent) Init(ctx context.Context, s *testSystem) error {
	*c.log = append(*c.log, "init "+c.name)
	if c.initErr != nil {
		return c.initErr
	}
	// Components may use the system while starting.
	_, err := s.TotalEvents(ctx)
	return err
}

func (c *lifecycleComponent) Stop(context.Context) error {
	*c.log = append(*c.log, "stop "+c.name)
	return nil
}

func TestComponents_Lifecycle(t *testing.T) {
	var log []string
	s := newSystem(t)
	require.NoError(t, s.Use(&lifecycleComponent{name: "a", log: &log}))
	require.NoError(t, s.Use(&lifecycleComponent{name: "b", log: &log}))
	require.Error(t, s.Use(&lifecycleComponent{name: "a", log: &log}))

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, HasCode(s.Use(&lifecycleComponent{name: "c", log: &log}), ErrCodeAlreadyStarted))

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))

	assert.Equal(t, []string{"init a", "init b", "stop b", "stop a"}, log)

	_, err := s.TotalEvents(context.Background())
	assert.True(t, HasCode(err, ErrCodeClosed))
}

func TestComponents_InitFailureRollsBack(t *testing.T) {
	var log []string
	s := newSystem(t)
	require.NoError(t, s.Use(&lifecycleComponent{name: "a", log: &log}))
	require.NoError(t, s.Use(&lifecycleComponent{name: "b", log: &log, initErr: errors.New("port in use")}))

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port in use")
	assert.Equal(t, []string{"init a", "init b", "stop a"}, log)
}

// senderComponent registers its sender while starting.
type senderComponent struct {
	sender *recordingSender
}

func (c *senderComponent) ComponentName() string { return "with-sender" }

func (c *senderComponent) Init(_ context.Context, s *testSystem) error {
	return s.RegisterSender(c.sender)
}

// flakyComponent fails its first Init.
type flakyComponent struct {
	calls int
}

func (c *flakyComponent) ComponentName() string { return "flaky" }

func (c *flakyComponent) Init(context.Context, *testSystem) error {
	c.calls++
	if c.calls == 1 {
		return errors.New("transient")
	}
	return nil
}

func TestStart_FailureForgetsSendersRegisteredByComponents(t *testing.T) {
	ctx := context.Background()
	s := newSystem(t)
	sender := &recordingSender{name: "component-sender"}
	require.NoError(t, s.Use(&senderComponent{sender: sender}))
	require.NoError(t, s.Use(&flakyComponent{}))

	err := s.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transient")

	require.NoError(t, s.Start(ctx), "a retried start must not see the sender from the failed one")

	id := s.NewAggregateID()
	_, err = s.Append(ctx, []event.Event[payload, meta]{s.NewEvent(id, 1, payload{}, nil)})
	require.NoError(t, err)
	assert.Equal(t, id, recv(t, sender.rx))

	// The sender is registered exactly once.
	assert.True(t, IsDuplicateSender(s.RegisterSender(&recordingSender{name: "component-sender"})))
}

type faultingStore struct {
	store.Store[payload, meta]
	faults chan error
	closed bool
}

func (f *faultingStore) Faults() <-chan error { return f.faults }

func (f *faultingStore) Close() error {
	f.closed = true
	return nil
}

func TestFaultHandler(t *testing.T) {
	st := &faultingStore{Store: memory.New[payload, meta](), faults: make(chan error, 1)}
	handled := make(chan error, 1)

	s, err := New[payload, meta](st, "accounts",
		WithLogger(quietLogger()),
		WithFaultHandler(func(err error) { handled <- err }),
	)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	boom := errors.New("connection lost")
	st.faults <- boom

	select {
	case err := <-handled:
		assert.Equal(t, boom, err)
	case <-time.After(time.Second):
		t.Fatal("fault handler not called")
	}

	require.NoError(t, s.Close(context.Background()))
	assert.True(t, st.closed, "Close closes the store")
}

func TestClose_EndsSubscriptions(t *testing.T) {
	s := startedSystem(t)
	rx := s.Subscribe()

	require.NoError(t, s.Close(context.Background()))

	_, err := rx.Recv(context.Background())
	assert.ErrorIs(t, err, notify.ErrClosed)
}
