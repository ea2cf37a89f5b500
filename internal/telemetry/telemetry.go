// Package telemetry decorates a Store with OpenTelemetry spans and metrics.
package telemetry

import (
	"context"
	"errors"
	"io"
	"iter"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/eventific/internal/event"
	"github.com/roach88/eventific/internal/store"
)

const instrumentationName = "github.com/roach88/eventific"

// Semantic attribute keys.
const (
	AttrOperation   = attribute.Key("eventific.operation")
	AttrService     = attribute.Key("eventific.service")
	AttrAggregateID = attribute.Key("eventific.aggregate.id")
	AttrEventCount  = attribute.Key("eventific.events.count")
	AttrErrorKind   = attribute.Key("eventific.error.kind")
)

type instruments struct {
	operations metric.Int64Counter
	duration   metric.Float64Histogram
	errors     metric.Int64Counter
	appended   metric.Int64Counter
	loaded     metric.Int64Counter
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	var (
		inst instruments
		errs [5]error
	)
	inst.operations, errs[0] = meter.Int64Counter(
		"eventific.store.operations",
		metric.WithDescription("Number of store operations"),
		metric.WithUnit("{operation}"),
	)
	inst.duration, errs[1] = meter.Float64Histogram(
		"eventific.store.duration",
		metric.WithDescription("Store operation duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)
	inst.errors, errs[2] = meter.Int64Counter(
		"eventific.store.errors",
		metric.WithDescription("Number of store errors"),
		metric.WithUnit("{error}"),
	)
	inst.appended, errs[3] = meter.Int64Counter(
		"eventific.events.appended",
		metric.WithDescription("Number of events appended"),
		metric.WithUnit("{event}"),
	)
	inst.loaded, errs[4] = meter.Int64Counter(
		"eventific.events.loaded",
		metric.WithDescription("Number of events loaded"),
		metric.WithUnit("{event}"),
	)
	return &inst, errors.Join(errs[:]...)
}

type config struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	attributes     []attribute.KeyValue
}

// Option configures the decorator.
type Option func(*config)

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) {
		c.tracerProvider = tp
	}
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *config) {
		c.meterProvider = mp
	}
}

// WithAttributes adds attributes to every span.
func WithAttributes(attrs ...attribute.KeyValue) Option {
	return func(c *config) {
		c.attributes = append(c.attributes, attrs...)
	}
}

var (
	_ store.Store[struct{}, struct{}] = (*Store[struct{}, struct{}])(nil)
	_ store.FaultReporter             = (*Store[struct{}, struct{}])(nil)
	_ io.Closer                       = (*Store[struct{}, struct{}])(nil)
)

// Store is an instrumented store.Store.
type Store[D, M any] struct {
	next   store.Store[D, M]
	tracer trace.Tracer
	inst   *instruments
	attrs  []attribute.KeyValue
}

// Wrap instruments next. Instruments that cannot be created are replaced by
// no-ops and the error is passed to the global OpenTelemetry error handler.
func Wrap[D, M any](next store.Store[D, M], opts ...Option) *Store[D, M] {
	cfg := config{
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	inst, err := newInstruments(cfg.meterProvider.Meter(instrumentationName))
	if err != nil {
		otel.Handle(err)
		inst, _ = newInstruments(noop.NewMeterProvider().Meter(instrumentationName))
	}

	return &Store[D, M]{
		next:   next,
		tracer: cfg.tracerProvider.Tracer(instrumentationName),
		inst:   inst,
		attrs:  cfg.attributes,
	}
}

// Unwrap returns the decorated store.
func (s *Store[D, M]) Unwrap() store.Store[D, M] {
	return s.next
}

// Faults forwards to the decorated store. It returns nil when the decorated
// store does not report faults.
func (s *Store[D, M]) Faults() <-chan error {
	if fr, ok := s.next.(store.FaultReporter); ok {
		return fr.Faults()
	}
	return nil
}

// Close forwards to the decorated store when it is an io.Closer.
func (s *Store[D, M]) Close() error {
	if c, ok := s.next.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Init implements store.Store.
func (s *Store[D, M]) Init(ctx context.Context, sc event.StoreContext) error {
	ctx, end := s.start(ctx, "init", sc)
	err := s.next.Init(ctx, sc)
	end(err)
	return err
}

// SaveEvents implements store.Store.
func (s *Store[D, M]) SaveEvents(ctx context.Context, sc event.StoreContext, events []event.Event[D, M]) (event.SaveEventsResult, error) {
	ctx, end := s.start(ctx, "save_events", sc, AttrEventCount.Int(len(events)))
	result, err := s.next.SaveEvents(ctx, sc, events)
	if err == nil && result == event.Success {
		s.inst.appended.Add(ctx, int64(len(events)), metric.WithAttributes(AttrService.String(sc.ServiceName)))
	}
	end(err)
	return result, err
}

// Events implements store.Store. The span covers one full range over the
// sequence.
func (s *Store[D, M]) Events(ctx context.Context, sc event.StoreContext, id event.AggregateID) iter.Seq2[event.Event[D, M], error] {
	// Building a sequence enforces the decorated store's preconditions. The
	// sequence actually ranged is rebuilt under the span.
	s.next.Events(ctx, sc, id)

	return func(yield func(event.Event[D, M], error) bool) {
		ctx, end := s.start(ctx, "events", sc, AttrAggregateID.String(id.String()))
		var (
			loaded  int64
			lastErr error
		)
		defer func() {
			s.inst.loaded.Add(ctx, loaded, metric.WithAttributes(AttrService.String(sc.ServiceName)))
			end(lastErr)
		}()

		for ev, err := range s.next.Events(ctx, sc, id) {
			if err != nil {
				lastErr = err
			} else {
				loaded++
			}
			if !yield(ev, err) {
				return
			}
		}
	}
}

// AggregateIDs implements store.Store.
func (s *Store[D, M]) AggregateIDs(ctx context.Context, sc event.StoreContext) iter.Seq2[event.AggregateID, error] {
	s.next.AggregateIDs(ctx, sc)

	return func(yield func(event.AggregateID, error) bool) {
		ctx, end := s.start(ctx, "aggregate_ids", sc)
		var lastErr error
		defer func() { end(lastErr) }()

		for id, err := range s.next.AggregateIDs(ctx, sc) {
			if err != nil {
				lastErr = err
			}
			if !yield(id, err) {
				return
			}
		}
	}
}

// TotalAggregates implements store.Store.
func (s *Store[D, M]) TotalAggregates(ctx context.Context, sc event.StoreContext) (uint64, error) {
	ctx, end := s.start(ctx, "total_aggregates", sc)
	n, err := s.next.TotalAggregates(ctx, sc)
	end(err)
	return n, err
}

// TotalEventsForAggregate implements store.Store.
func (s *Store[D, M]) TotalEventsForAggregate(ctx context.Context, sc event.StoreContext, id event.AggregateID) (uint64, error) {
	ctx, end := s.start(ctx, "total_events_for_aggregate", sc, AttrAggregateID.String(id.String()))
	n, err := s.next.TotalEventsForAggregate(ctx, sc, id)
	end(err)
	return n, err
}

// TotalEvents implements store.Store.
func (s *Store[D, M]) TotalEvents(ctx context.Context, sc event.StoreContext) (uint64, error) {
	ctx, end := s.start(ctx, "total_events", sc)
	n, err := s.next.TotalEvents(ctx, sc)
	end(err)
	return n, err
}

// start opens a span for op and returns a function that records the outcome.
func (s *Store[D, M]) start(ctx context.Context, op string, sc event.StoreContext, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	spanAttrs := make([]attribute.KeyValue, 0, len(s.attrs)+len(attrs)+2)
	spanAttrs = append(spanAttrs, s.attrs...)
	spanAttrs = append(spanAttrs, AttrOperation.String(op), AttrService.String(sc.ServiceName))
	spanAttrs = append(spanAttrs, attrs...)

	ctx, span := s.tracer.Start(ctx, "EventStore."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(spanAttrs...),
	)
	started := time.Now()

	return ctx, func(err error) {
		metricAttrs := metric.WithAttributes(AttrOperation.String(op), AttrService.String(sc.ServiceName))
		s.inst.operations.Add(ctx, 1, metricAttrs)
		s.inst.duration.Record(ctx, float64(time.Since(started))/float64(time.Millisecond), metricAttrs)

		if err != nil {
			s.inst.errors.Add(ctx, 1, metric.WithAttributes(
				AttrOperation.String(op),
				AttrService.String(sc.ServiceName),
				AttrErrorKind.String(errorKind(err)),
			))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func errorKind(err error) string {
	var se *store.Error
	if errors.As(err, &se) {
		return string(se.Kind)
	}
	return "UNKNOWN"
}
