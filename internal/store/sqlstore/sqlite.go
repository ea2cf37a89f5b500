package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

const sqliteDriverName = "sqlite3_eventific"

var registerSQLite sync.Once

// sqlitePragmas are applied to every new connection:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
var sqlitePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
}

// SQLite is the dialect for github.com/mattn/go-sqlite3. The DSN is a file
// path or a "file:" URI.
type SQLite struct{}

// Name implements Dialect.
func (SQLite) Name() string { return "sqlite" }

// DriverName implements Dialect. The driver is the stock sqlite3 driver with a
// connect hook that applies the store's pragmas to each connection.
func (SQLite) DriverName() string {
	registerSQLite.Do(func() {
		sql.Register(sqliteDriverName, &sqlite3.SQLiteDriver{
			ConnectHook: applyPragmas,
		})
	})
	return sqliteDriverName
}

func applyPragmas(conn *sqlite3.SQLiteConn) error {
	for _, pragma := range sqlitePragmas {
		if _, err := conn.Exec(pragma, nil); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// CreateTable implements Dialect.
func (SQLite) CreateTable(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	aggregate_id TEXT NOT NULL,
	event_id INTEGER NOT NULL,
	created_date TEXT NOT NULL,
	metadata BLOB,
	payload BLOB NOT NULL,
	PRIMARY KEY (aggregate_id, event_id)
)`, quoteIdentifier(table))
}

// Placeholder implements Dialect.
func (SQLite) Placeholder(int) string { return "?" }

// EncodeTime implements Dialect. Timestamps are stored as RFC 3339 text in UTC
// with nanosecond precision.
func (SQLite) EncodeTime(t time.Time) any {
	return t.UTC().Format(time.RFC3339Nano)
}

// DecodeTime implements Dialect.
func (SQLite) DecodeTime(src any) (time.Time, error) {
	switch v := src.(type) {
	case time.Time:
		return v, nil
	case string:
		return time.Parse(time.RFC3339Nano, v)
	case []byte:
		return time.Parse(time.RFC3339Nano, string(v))
	default:
		return time.Time{}, fmt.Errorf("unexpected created_date type %T", src)
	}
}

// EncodeDocument implements Dialect.
func (SQLite) EncodeDocument(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

// IsUniqueViolation implements Dialect.
func (SQLite) IsUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		se.ExtendedCode == sqlite3.ErrConstraintUnique
}
