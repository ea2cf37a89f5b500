// Package sqlstore is the database-backed Store implementation.
//
// One database/sql handle is shared by every operation. The handle is limited
// to Config.MaxConns connections (one by default) and guarded by a
// reader/writer lock: reads run concurrently, an append transaction runs
// alone. A supervisor goroutine health-checks the connection and faults the
// store when it stays unreachable.
//
// Sequences returned by Events and AggregateIDs hold a read lock and a
// connection for as long as they are being ranged. Calling back into the same
// store from inside such a loop is not supported.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/eventific/internal/codec"
	"github.com/roach88/eventific/internal/event"
	"github.com/roach88/eventific/internal/store"
)

var (
	_ store.Store[struct{}, struct{}] = (*Store[struct{}, struct{}])(nil)
	_ store.FaultReporter             = (*Store[struct{}, struct{}])(nil)
)

// Defaults applied to zero Config fields.
const (
	DefaultMaxConns         = 1
	DefaultHealthInterval   = 5 * time.Second
	DefaultFailureThreshold = 3
)

// Config describes how to reach the database.
type Config struct {
	Dialect Dialect
	DSN     string

	// MaxConns bounds the pool. Zero means DefaultMaxConns.
	MaxConns int

	// HealthInterval is the supervisor's ping period. Zero means
	// DefaultHealthInterval; a negative value disables supervision.
	HealthInterval time.Duration

	// FailureThreshold is the number of consecutive failed pings after which
	// the store is faulted. Zero means DefaultFailureThreshold.
	FailureThreshold int

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxConns <= 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
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

// Store persists events in one table per service.
type Store[D, M any] struct {
	db      *sql.DB
	dialect Dialect
	codec   codec.Codec
	logger  *slog.Logger

	mu sync.RWMutex

	// fault is set once by the supervisor.
	fault      atomic.Pointer[error]
	faults     chan error
	supervisor *supervisor
	closeOnce  sync.Once
	closeErr   error

	// queries holds the statements of every table Init has provisioned.
	queriesMu sync.Mutex
	queries   map[string]queries
}

// Open connects to the database described by cfg and starts supervising the
// connection. The returned store must still be initialized with Init.
func Open[D, M any](ctx context.Context, cfg Config, opts ...Option) (*Store[D, M], error) {
	if cfg.Dialect == nil {
		return nil, errors.New("sqlstore: no dialect configured")
	}
	cfg = cfg.withDefaults()

	o := options{codec: codec.JSON{}}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := sql.Open(cfg.Dialect.DriverName(), cfg.DSN)
	if err != nil {
		return nil, store.ConnectionError("open", fmt.Errorf("failed to open database: %w", err))
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, store.ConnectionError("open", fmt.Errorf("failed to connect to database: %w", err))
	}

	s := &Store[D, M]{
		db:      db,
		dialect: cfg.Dialect,
		codec:   o.codec,
		logger:  cfg.Logger.With("dialect", cfg.Dialect.Name()),
		faults:  make(chan error, 1),
		queries: make(map[string]queries),
	}

	if cfg.HealthInterval > 0 {
		s.supervisor = startSupervisor(s, cfg.HealthInterval, cfg.FailureThreshold)
	} else {
		close(s.faults)
	}

	s.logger.Debug("database opened", "max_conns", cfg.MaxConns, "health_interval", cfg.HealthInterval)
	return s, nil
}

// Close stops the supervisor and closes the database handle.
func (s *Store[D, M]) Close() error {
	s.closeOnce.Do(func() {
		if s.supervisor != nil {
			s.supervisor.stop()
		}
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// Faults implements store.FaultReporter. The channel delivers at most one
// error and is closed once supervision ends.
func (s *Store[D, M]) Faults() <-chan error {
	return s.faults
}

// DB returns the underlying handle. Use with caution: statements issued
// through it bypass the store's locking.
func (s *Store[D, M]) DB() *sql.DB {
	return s.db
}

// Init implements store.Store.
func (s *Store[D, M]) Init(ctx context.Context, sc event.StoreContext) error {
	if err := s.checkFault("init"); err != nil {
		return err
	}
	table, err := sc.TableName()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, s.dialect.CreateTable(table)); err != nil {
		return store.ConnectionError("init", fmt.Errorf("create table %s: %w", table, err))
	}

	s.queriesMu.Lock()
	if _, ok := s.queries[table]; !ok {
		s.queries[table] = buildQueries(s.dialect, table)
	}
	s.queriesMu.Unlock()

	s.logger.Debug("event table ready", "table", table)
	return nil
}

// SaveEvents implements store.Store.
func (s *Store[D, M]) SaveEvents(ctx context.Context, sc event.StoreContext, events []event.Event[D, M]) (event.SaveEventsResult, error) {
	const op = "save events"

	q, err := s.queriesFor(sc)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return event.AlreadyExists, nil
	}
	if err := s.checkFault(op); err != nil {
		return 0, err
	}

	// Encode the whole batch before touching the database.
	rows := make([]row, len(events))
	for i, ev := range events {
		r, err := s.encode(ev)
		if err != nil {
			return 0, store.SerializationError(op, err)
		}
		rows[i] = r
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, store.ConnectionError(op, fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, q.insert)
	if err != nil {
		return 0, store.ConnectionError(op, fmt.Errorf("prepare insert: %w", err))
	}
	defer stmt.Close()

	for i, ev := range events {
		r := rows[i]
		_, err := stmt.ExecContext(ctx,
			ev.AggregateID,
			r.eventID,
			s.dialect.EncodeTime(r.createdDate),
			s.dialect.EncodeDocument(r.metadata),
			s.dialect.EncodeDocument(r.payload),
		)
		if err != nil {
			return 0, s.writeError(op, fmt.Errorf("insert event %d of aggregate %s: %w", r.eventID, ev.AggregateID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, s.writeError(op, fmt.Errorf("commit: %w", err))
	}

	s.logger.Debug("events saved", "service", sc.ServiceName, "count", len(events))
	return event.Success, nil
}

// Events implements store.Store.
func (s *Store[D, M]) Events(ctx context.Context, sc event.StoreContext, id event.AggregateID) iter.Seq2[event.Event[D, M], error] {
	const op = "events"

	q, qErr := s.queriesFor(sc)

	return func(yield func(event.Event[D, M], error) bool) {
		var zero event.Event[D, M]

		if qErr != nil {
			yield(zero, qErr)
			return
		}
		if err := s.checkFault(op); err != nil {
			yield(zero, err)
			return
		}

		s.mu.RLock()
		defer s.mu.RUnlock()

		rows, err := s.db.QueryContext(ctx, q.selectEvents, id)
		if err != nil {
			yield(zero, store.ConnectionError(op, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				r       row
				created any
			)
			if err := rows.Scan(&r.eventID, &created, &r.metadata, &r.payload); err != nil {
				yield(zero, store.ConnectionError(op, fmt.Errorf("scan event: %w", err)))
				return
			}
			r.createdDate, err = s.dialect.DecodeTime(created)
			if err != nil {
				err = store.SerializationError(op, fmt.Errorf("decode created_date of event %d: %w", r.eventID, err))
				if !yield(zero, err) {
					return
				}
				continue
			}
			if !yield(s.decode(id, r)) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(zero, store.ConnectionError(op, err))
		}
	}
}

// AggregateIDs implements store.Store.
func (s *Store[D, M]) AggregateIDs(ctx context.Context, sc event.StoreContext) iter.Seq2[event.AggregateID, error] {
	const op = "aggregate ids"

	q, qErr := s.queriesFor(sc)

	return func(yield func(event.AggregateID, error) bool) {
		var zero event.AggregateID

		if qErr != nil {
			yield(zero, qErr)
			return
		}
		if err := s.checkFault(op); err != nil {
			yield(zero, err)
			return
		}

		s.mu.RLock()
		defer s.mu.RUnlock()

		rows, err := s.db.QueryContext(ctx, q.selectAggregateIDs)
		if err != nil {
			yield(zero, store.ConnectionError(op, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var id event.AggregateID
			if err := rows.Scan(&id); err != nil {
				if !yield(zero, store.SerializationError(op, fmt.Errorf("scan aggregate id: %w", err))) {
					return
				}
				continue
			}
			if !yield(id, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(zero, store.ConnectionError(op, err))
		}
	}
}

// TotalAggregates implements store.Store.
func (s *Store[D, M]) TotalAggregates(ctx context.Context, sc event.StoreContext) (uint64, error) {
	q, err := s.queriesFor(sc)
	if err != nil {
		return 0, err
	}
	return s.count(ctx, "total aggregates", q.countAggregates)
}

// TotalEventsForAggregate implements store.Store.
func (s *Store[D, M]) TotalEventsForAggregate(ctx context.Context, sc event.StoreContext, id event.AggregateID) (uint64, error) {
	q, err := s.queriesFor(sc)
	if err != nil {
		return 0, err
	}
	return s.count(ctx, "total events for aggregate", q.countForAggregate, id)
}

// TotalEvents implements store.Store.
func (s *Store[D, M]) TotalEvents(ctx context.Context, sc event.StoreContext) (uint64, error) {
	q, err := s.queriesFor(sc)
	if err != nil {
		return 0, err
	}
	return s.count(ctx, "total events", q.countEvents)
}

func (s *Store[D, M]) count(ctx context.Context, op, query string, args ...any) (uint64, error) {
	if err := s.checkFault(op); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, store.ConnectionError(op, err)
	}
	return uint64(n), nil
}

// queriesFor returns the statements for sc's table. It panics with
// store.ErrNotInitialized when Init has not provisioned that table.
func (s *Store[D, M]) queriesFor(sc event.StoreContext) (queries, error) {
	table, err := sc.TableName()
	if err != nil {
		return queries{}, err
	}

	s.queriesMu.Lock()
	q, ok := s.queries[table]
	s.queriesMu.Unlock()

	store.MustBeInitialized(ok)
	return q, nil
}

// checkFault returns a connection error once the supervisor has given up on
// the connection.
func (s *Store[D, M]) checkFault(op string) error {
	if cause := s.fault.Load(); cause != nil {
		return store.ConnectionError(op, fmt.Errorf("%w: %w", store.ErrFaulted, *cause))
	}
	return nil
}

func (s *Store[D, M]) writeError(op string, err error) error {
	if s.dialect.IsUniqueViolation(err) {
		return store.ConstraintError(op, fmt.Errorf("%w: %w", store.ErrDuplicateEvent, err))
	}
	return store.ConnectionError(op, err)
}

// row is an event in its stored form.
type row struct {
	eventID     uint64
	createdDate time.Time
	metadata    []byte
	payload     []byte
}

func (s *Store[D, M]) encode(ev event.Event[D, M]) (row, error) {
	if ev.EventID > math.MaxInt64 {
		return row{}, fmt.Errorf("event id %d does not fit a signed 64-bit column", ev.EventID)
	}
	payload, err := s.codec.Marshal(ev.Payload)
	if err != nil {
		return row{}, fmt.Errorf("encode payload of event %d: %w", ev.EventID, err)
	}
	var metadata []byte
	if ev.Metadata != nil {
		metadata, err = s.codec.Marshal(ev.Metadata)
		if err != nil {
			return row{}, fmt.Errorf("encode metadata of event %d: %w", ev.EventID, err)
		}
	}
	return row{
		eventID:     ev.EventID,
		createdDate: ev.CreatedDate,
		metadata:    metadata,
		payload:     payload,
	}, nil
}

func (s *Store[D, M]) decode(id event.AggregateID, r row) (event.Event[D, M], error) {
	ev := event.Event[D, M]{
		AggregateID: id,
		EventID:     r.eventID,
		CreatedDate: r.createdDate,
	}
	if r.metadata != nil {
		var m M
		if err := s.codec.Unmarshal(r.metadata, &m); err != nil {
			return ev, store.SerializationError("events", fmt.Errorf("decode metadata of event %d: %w", r.eventID, err))
		}
		ev.Metadata = &m
	}
	if err := s.codec.Unmarshal(r.payload, &ev.Payload); err != nil {
		return ev, store.SerializationError("events", fmt.Errorf("decode payload of event %d: %w", r.eventID, err))
	}
	return ev, nil
}
