package telemetry

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/roach88/eventific/internal/event"
	"github.com/roach88/eventific/internal/store"
	"github.com/roach88/eventific/internal/store/memory"
	"github.com/roach88/eventific/internal/store/storetest"
)

type recordedSpan struct {
	name   string
	status codes.Code
	ended  bool
}

type recordingSpan struct {
	trace.Span
	rec    *recordedSpan
	tracer *recordingTracer
}

func (s recordingSpan) SetStatus(code codes.Code, description string) {
	s.tracer.mu.Lock()
	defer s.tracer.mu.Unlock()
	s.rec.status = code
}

func (s recordingSpan) End(options ...trace.SpanEndOption) {
	s.tracer.mu.Lock()
	defer s.tracer.mu.Unlock()
	s.rec.ended = true
}

type recordingTracer struct {
	noop.Tracer
	mu    sync.Mutex
	spans []*recordedSpan
}

func (t *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	ctx, span := t.Tracer.Start(ctx, name, opts...)
	rec := &recordedSpan{name: name}
	t.mu.Lock()
	t.spans = append(t.spans, rec)
	t.mu.Unlock()
	rs := recordingSpan{Span: span, rec: rec, tracer: t}
	return trace.ContextWithSpan(ctx, rs), rs
}

// spanName returns the name of the recorded span carried by ctx.
func spanName(ctx context.Context) string {
	if rs, ok := trace.SpanFromContext(ctx).(recordingSpan); ok {
		return rs.rec.name
	}
	return ""
}

func (t *recordingTracer) snapshot() []recordedSpan {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]recordedSpan, len(t.spans))
	for i, s := range t.spans {
		out[i] = *s
	}
	return out
}

type recordingProvider struct {
	noop.TracerProvider
	tracer *recordingTracer
}

func (p recordingProvider) Tracer(string, ...trace.TracerOption) trace.Tracer {
	return p.tracer
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store[storetest.Payload, storetest.Meta] {
		return Wrap[storetest.Payload, storetest.Meta](memory.New[storetest.Payload, storetest.Meta]())
	})
}

func TestSpans(t *testing.T) {
	ctx := context.Background()
	sc := event.NewStoreContext(storetest.ServiceName)
	tracer := &recordingTracer{}

	s := Wrap[storetest.Payload, storetest.Meta](
		memory.New[storetest.Payload, storetest.Meta](),
		WithTracerProvider(recordingProvider{tracer: tracer}),
		WithAttributes(attribute.String("deployment", "test")),
	)
	require.NoError(t, s.Init(ctx, sc))

	id := storetest.AggregateID(1)
	_, err := s.SaveEvents(ctx, sc, storetest.NewEvents(id, 1, 2))
	require.NoError(t, err)

	_, err = s.SaveEvents(ctx, sc, storetest.NewEvents(id, 2, 2))
	require.True(t, store.IsConstraintViolation(err))

	_, err = store.Collect(s.Events(ctx, sc, id))
	require.NoError(t, err)

	for range s.Events(ctx, sc, id) {
		break
	}

	spans := tracer.snapshot()
	names := make([]string, len(spans))
	for i, span := range spans {
		names[i] = span.name
		assert.True(t, span.ended, "span %s not ended", span.name)
	}
	assert.Equal(t, []string{
		"EventStore.init",
		"EventStore.save_events",
		"EventStore.save_events",
		"EventStore.events",
		"EventStore.events",
	}, names)

	assert.Equal(t, codes.Unset, spans[1].status)
	assert.Equal(t, codes.Error, spans[2].status)
}

func TestSequenceIsLazy(t *testing.T) {
	ctx := context.Background()
	sc := event.NewStoreContext(storetest.ServiceName)
	tracer := &recordingTracer{}

	s := Wrap[storetest.Payload, storetest.Meta](
		memory.New[storetest.Payload, storetest.Meta](),
		WithTracerProvider(recordingProvider{tracer: tracer}),
	)
	require.NoError(t, s.Init(ctx, sc))

	_ = s.Events(ctx, sc, storetest.AggregateID(1))
	_ = s.AggregateIDs(ctx, sc)

	assert.Len(t, tracer.snapshot(), 1, "only Init should have started a span")
}

type closingStore struct {
	store.Store[storetest.Payload, storetest.Meta]
	closed bool
	faults chan error
}

func (c *closingStore) Close() error {
	c.closed = true
	return nil
}

func (c *closingStore) Faults() <-chan error { return c.faults }

func TestForwardsCloseAndFaults(t *testing.T) {
	inner := &closingStore{
		Store:  memory.New[storetest.Payload, storetest.Meta](),
		faults: make(chan error, 1),
	}
	s := Wrap[storetest.Payload, storetest.Meta](inner)

	boom := errors.New("boom")
	inner.faults <- boom
	assert.Equal(t, boom, <-s.Faults())

	require.NoError(t, s.Close())
	assert.True(t, inner.closed)
	assert.Same(t, inner, s.Unwrap())
}

func TestNoFaultReporter(t *testing.T) {
	s := Wrap[storetest.Payload, storetest.Meta](memory.New[storetest.Payload, storetest.Meta]())
	assert.Nil(t, s.Faults())
	assert.NoError(t, s.Close())
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "CONSTRAINT", errorKind(store.ConstraintError("save events", store.ErrDuplicateEvent)))
	assert.Equal(t, "UNKNOWN", errorKind(errors.New("x")))
}

// parentRecorder notes the span active when each sequence is built.
type parentRecorder struct {
	store.Store[storetest.Payload, storetest.Meta]
	mu      sync.Mutex
	parents []string
}

func (p *parentRecorder) record(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parents = append(p.parents, spanName(ctx))
}

func (p *parentRecorder) Events(ctx context.Context, sc event.StoreContext, id event.AggregateID) iter.Seq2[storetest.Event, error] {
	p.record(ctx)
	return p.Store.Events(ctx, sc, id)
}

func (p *parentRecorder) AggregateIDs(ctx context.Context, sc event.StoreContext) iter.Seq2[event.AggregateID, error] {
	p.record(ctx)
	return p.Store.AggregateIDs(ctx, sc)
}

func TestSequencesRunUnderSpan(t *testing.T) {
	ctx := context.Background()
	sc := event.NewStoreContext(storetest.ServiceName)
	inner := &parentRecorder{Store: memory.New[storetest.Payload, storetest.Meta]()}
	s := Wrap[storetest.Payload, storetest.Meta](inner,
		WithTracerProvider(recordingProvider{tracer: &recordingTracer{}}))
	require.NoError(t, s.Init(ctx, sc))

	_, err := store.Collect(s.Events(ctx, sc, storetest.AggregateID(1)))
	require.NoError(t, err)
	_, err = store.Collect(s.AggregateIDs(ctx, sc))
	require.NoError(t, err)

	inner.mu.Lock()
	defer inner.mu.Unlock()
	assert.Contains(t, inner.parents, "EventStore.events")
	assert.Contains(t, inner.parents, "EventStore.aggregate_ids")
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func counterValue(t *testing.T, metrics map[string]metricdata.Metrics, name string) int64 {
	t.Helper()
	m, ok := metrics[name]
	require.True(t, ok, "metric %s not recorded", name)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is %T", name, m.Data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	sc := event.NewStoreContext(storetest.ServiceName)
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { provider.Shutdown(context.Background()) })

	s := Wrap[storetest.Payload, storetest.Meta](
		memory.New[storetest.Payload, storetest.Meta](),
		WithMeterProvider(provider),
	)
	require.NoError(t, s.Init(ctx, sc))

	id := storetest.AggregateID(1)
	_, err := s.SaveEvents(ctx, sc, storetest.NewEvents(id, 1, 3))
	require.NoError(t, err)

	events, err := store.Collect(s.Events(ctx, sc, id))
	require.NoError(t, err)
	require.Len(t, events, 3)

	_, err = s.SaveEvents(ctx, sc, storetest.NewEvents(id, 3, 3))
	require.True(t, store.IsConstraintViolation(err))

	metrics := collectMetrics(t, reader)
	assert.Equal(t, int64(3), counterValue(t, metrics, "eventific.events.appended"))
	assert.Equal(t, int64(3), counterValue(t, metrics, "eventific.events.loaded"))
	assert.Equal(t, int64(1), counterValue(t, metrics, "eventific.store.errors"))
	assert.Equal(t, int64(4), counterValue(t, metrics, "eventific.store.operations"))

	errPoints := metrics["eventific.store.errors"].Data.(metricdata.Sum[int64]).DataPoints
	require.Len(t, errPoints, 1)
	kind, ok := errPoints[0].Attributes.Value(AttrErrorKind)
	require.True(t, ok)
	assert.Equal(t, "CONSTRAINT", kind.AsString())
}

// slowStore delays TotalEvents by less than a millisecond.
type slowStore struct {
	store.Store[storetest.Payload, storetest.Meta]
}

func (s slowStore) TotalEvents(ctx context.Context, sc event.StoreContext) (uint64, error) {
	time.Sleep(300 * time.Microsecond)
	return s.Store.TotalEvents(ctx, sc)
}

func TestDurationKeepsSubMillisecondPrecision(t *testing.T) {
	ctx := context.Background()
	sc := event.NewStoreContext(storetest.ServiceName)
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { provider.Shutdown(context.Background()) })

	s := Wrap[storetest.Payload, storetest.Meta](
		slowStore{Store: memory.New[storetest.Payload, storetest.Meta]()},
		WithMeterProvider(provider),
	)
	require.NoError(t, s.Init(ctx, sc))
	_, err := s.TotalEvents(ctx, sc)
	require.NoError(t, err)

	m, ok := collectMetrics(t, reader)["eventific.store.duration"]
	require.True(t, ok)
	hist, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok)

	var total float64
	for _, dp := range hist.DataPoints {
		v, _ := dp.Attributes.Value(AttrOperation)
		if v.AsString() == "total_events" {
			total += dp.Sum
		}
	}
	assert.Greater(t, total, 0.0)
}
