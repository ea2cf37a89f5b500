package sqlstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventific/internal/event"
	"github.com/roach88/eventific/internal/store"
	"github.com/roach88/eventific/internal/store/storetest"
)

const postgresDSNEnv = "EVENTIFIC_TEST_POSTGRES_DSN"

type testStore = Store[storetest.Payload, storetest.Meta]

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// openSQLite opens a store on a fresh database file that is removed when the
// test ends.
func openSQLite(t *testing.T, cfg Config) *testStore {
	t.Helper()
	cfg.Dialect = SQLite{}
	if cfg.DSN == "" {
		cfg.DSN = filepath.Join(t.TempDir(), "events.db")
	}
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	s, err := Open[storetest.Payload, storetest.Meta](context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store[storetest.Payload, storetest.Meta] {
		return openSQLite(t, Config{})
	})
}

func TestSQLiteConformance_Pool(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store[storetest.Payload, storetest.Meta] {
		return openSQLite(t, Config{MaxConns: 4})
	})
}

func TestPostgresConformance(t *testing.T) {
	dsn := os.Getenv(postgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", postgresDSNEnv)
	}

	storetest.Run(t, func(t *testing.T) store.Store[storetest.Payload, storetest.Meta] {
		s, err := Open[storetest.Payload, storetest.Meta](context.Background(), Config{
			Dialect: Postgres{},
			DSN:     dsn,
			Logger:  quietLogger(),
		})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })

		// Every test starts from empty tables.
		for _, table := range []string{"conformance_event_store", "conformance_other_event_store"} {
			_, err := s.DB().Exec("DROP TABLE IF EXISTS " + quoteIdentifier(table))
			require.NoError(t, err)
		}
		return s
	})
}

func TestOpen_RequiresDialect(t *testing.T) {
	_, err := Open[storetest.Payload, storetest.Meta](context.Background(), Config{DSN: "x"})
	require.Error(t, err)
}

func TestOpen_AppliesPragmas(t *testing.T) {
	s := openSQLite(t, Config{})

	var mode string
	require.NoError(t, s.DB().QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var timeout int
	require.NoError(t, s.DB().QueryRow("PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, 5000, timeout)
}

func TestInit_CreatesTablePerService(t *testing.T) {
	s := openSQLite(t, Config{})
	require.NoError(t, s.Init(context.Background(), event.NewStoreContext("Orders")))

	var name string
	err := s.DB().QueryRow(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", "orders_event_store",
	).Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "orders_event_store", name)
}

func TestEvents_CorruptRowContinues(t *testing.T) {
	ctx := context.Background()
	sc := event.NewStoreContext(storetest.ServiceName)
	s := openSQLite(t, Config{})
	require.NoError(t, s.Init(ctx, sc))

	id := storetest.AggregateID(1)
	_, err := s.SaveEvents(ctx, sc, storetest.NewEvents(id, 1, 3))
	require.NoError(t, err)

	_, err = s.DB().Exec(
		"UPDATE conformance_event_store SET payload = ? WHERE aggregate_id = ? AND event_id = ?",
		[]byte(`{"kind":`), id, 2)
	require.NoError(t, err)

	var ids []uint64
	var errs []error
	for ev, err := range s.Events(ctx, sc, id) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids = append(ids, ev.EventID)
	}

	assert.Equal(t, []uint64{1, 3}, ids)
	require.Len(t, errs, 1)
	assert.True(t, store.IsSerialization(errs[0]), "want serialization error, got %v", errs[0])
}

func TestSaveEvents_MetadataNullWhenAbsent(t *testing.T) {
	ctx := context.Background()
	sc := event.NewStoreContext(storetest.ServiceName)
	s := openSQLite(t, Config{})
	require.NoError(t, s.Init(ctx, sc))

	id := storetest.AggregateID(1)
	_, err := s.SaveEvents(ctx, sc, storetest.NewEvents(id, 1, 2))
	require.NoError(t, err)

	var nulls int
	require.NoError(t, s.DB().QueryRow(
		"SELECT COUNT(*) FROM conformance_event_store WHERE metadata IS NULL").Scan(&nulls))
	assert.Equal(t, 1, nulls, "event 1 has no metadata")
}

func TestSaveEvents_CanonicalPayload(t *testing.T) {
	ctx := context.Background()
	sc := event.NewStoreContext(storetest.ServiceName)
	s := openSQLite(t, Config{})
	require.NoError(t, s.Init(ctx, sc))

	id := storetest.AggregateID(1)
	_, err := s.SaveEvents(ctx, sc, storetest.NewEvents(id, 1, 1))
	require.NoError(t, err)

	var payload []byte
	require.NoError(t, s.DB().QueryRow("SELECT payload FROM conformance_event_store").Scan(&payload))
	assert.Equal(t, `{"amount":10,"kind":"deposit","note":"<event 1 & co>"}`, string(payload))
}

func TestSaveEvents_EventIDOutOfRange(t *testing.T) {
	ctx := context.Background()
	sc := event.NewStoreContext(storetest.ServiceName)
	s := openSQLite(t, Config{})
	require.NoError(t, s.Init(ctx, sc))

	ev := storetest.NewEvent(storetest.AggregateID(1), 1)
	ev.EventID = 1 << 63
	_, err := s.SaveEvents(ctx, sc, []storetest.Event{ev})
	require.Error(t, err)
	assert.True(t, store.IsSerialization(err))
}

func TestSupervisor_FaultsAfterThreshold(t *testing.T) {
	ctx := context.Background()
	sc := event.NewStoreContext(storetest.ServiceName)
	s := openSQLite(t, Config{HealthInterval: 10 * time.Millisecond, FailureThreshold: 2})
	require.NoError(t, s.Init(ctx, sc))

	// Pull the connection out from under the store.
	require.NoError(t, s.DB().Close())

	select {
	case err, ok := <-s.Faults():
		require.True(t, ok, "fault channel closed without a fault")
		assert.Contains(t, err.Error(), "2 consecutive health checks failed")
	case <-time.After(5 * time.Second):
		t.Fatal("store was not faulted")
	}

	_, ok := <-s.Faults()
	assert.False(t, ok, "fault channel must be closed after the fault")

	_, err := s.SaveEvents(ctx, sc, storetest.NewEvents(storetest.AggregateID(1), 1, 1))
	require.Error(t, err)
	assert.True(t, store.IsConnection(err))
	assert.True(t, errors.Is(err, store.ErrFaulted))

	_, err = s.TotalEvents(ctx, sc)
	assert.True(t, errors.Is(err, store.ErrFaulted))

	_, err = store.Collect(s.Events(ctx, sc, storetest.AggregateID(1)))
	assert.True(t, errors.Is(err, store.ErrFaulted))
}

func TestSupervisor_DisabledClosesFaults(t *testing.T) {
	s := openSQLite(t, Config{HealthInterval: -1})

	select {
	case _, ok := <-s.Faults():
		assert.False(t, ok)
	default:
		t.Fatal("fault channel should be closed when supervision is disabled")
	}
}

func TestClose_StopsSupervisor(t *testing.T) {
	s := openSQLite(t, Config{HealthInterval: 10 * time.Millisecond})
	require.NoError(t, s.Close())

	select {
	case _, ok := <-s.Faults():
		assert.False(t, ok, "no fault expected after a clean close")
	case <-time.After(time.Second):
		t.Fatal("fault channel not closed after Close")
	}

	// Close is idempotent.
	require.NoError(t, s.Close())
}

type fakePinger struct {
	results chan error
	faulted chan error
	closed  chan struct{}
}

func (f *fakePinger) ping(ctx context.Context) (bool, error) {
	select {
	case err := <-f.results:
		return false, err
	default:
		return true, nil
	}
}

func (f *fakePinger) markFaulted(cause error) { f.faulted <- cause }
func (f *fakePinger) closeFaults()            { close(f.closed) }

func TestSupervisor_SuccessResetsFailureCount(t *testing.T) {
	boom := errors.New("boom")
	p := &fakePinger{
		results: make(chan error, 8),
		faulted: make(chan error, 1),
		closed:  make(chan struct{}),
	}
	for _, err := range []error{boom, boom, nil, boom, boom, boom} {
		p.results <- err
	}

	sv := startSupervisor(p, time.Millisecond, 3)
	defer sv.stop()

	select {
	case err := <-p.faulted:
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "3 consecutive")
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not fault")
	}
	assert.Empty(t, p.results, "fault must come only after the last three failures")

	<-p.closed
}

func TestDialectFor(t *testing.T) {
	for _, name := range []string{"sqlite", "SQLite3"} {
		d, err := DialectFor(name)
		require.NoError(t, err)
		assert.Equal(t, "sqlite", d.Name())
	}
	d, err := DialectFor("postgresql")
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name())

	_, err = DialectFor("oracle")
	assert.Error(t, err)
}

func TestPostgresDialect(t *testing.T) {
	d := Postgres{}
	assert.Equal(t, "$3", d.Placeholder(3))
	assert.Nil(t, d.EncodeDocument(nil))
	assert.Equal(t, `{"a":1}`, d.EncodeDocument([]byte(`{"a":1}`)))
	assert.Contains(t, d.CreateTable("orders_event_store"), `CREATE TABLE IF NOT EXISTS "orders_event_store"`)
	assert.False(t, d.IsUniqueViolation(errors.New("unique_violation")))
}

func TestSQLiteDialect_Time(t *testing.T) {
	d := SQLite{}
	at := time.Date(2024, 3, 1, 10, 30, 0, 123456789, time.FixedZone("X", 3600))

	encoded := d.EncodeTime(at)
	assert.Equal(t, "2024-03-01T09:30:00.123456789Z", encoded)

	for _, src := range []any{encoded, []byte(encoded.(string)), at} {
		got, err := d.DecodeTime(src)
		require.NoError(t, err)
		assert.True(t, at.Equal(got))
	}

	_, err := d.DecodeTime(42)
	assert.Error(t, err)
}
