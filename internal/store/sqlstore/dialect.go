package sqlstore

import (
	"fmt"
	"strings"
	"time"
)

// Dialect isolates the differences between SQL engines.
type Dialect interface {
	// Name is the short name used in configuration, e.g. "sqlite".
	Name() string

	// DriverName is the database/sql driver to open.
	DriverName() string

	// CreateTable returns the idempotent DDL for a service's event table.
	CreateTable(table string) string

	// Placeholder returns the bind parameter for the n-th (1-based) argument.
	Placeholder(n int) string

	// EncodeTime converts a timestamp into a driver value.
	EncodeTime(t time.Time) any

	// DecodeTime converts a scanned created_date back into a timestamp.
	DecodeTime(src any) (time.Time, error)

	// EncodeDocument converts an encoded payload or metadata value into a
	// driver value. A nil document must map to SQL NULL.
	EncodeDocument(b []byte) any

	// IsUniqueViolation reports whether err is the engine's
	// primary-key/unique-constraint failure.
	IsUniqueViolation(err error) bool
}

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return SQLite{}, nil
	case "postgres", "postgresql":
		return Postgres{}, nil
	default:
		return nil, fmt.Errorf("unknown sql dialect %q (want sqlite or postgres)", name)
	}
}

// quoteIdentifier quotes a table name. Service names are validated before
// they reach SQL; quoting additionally keeps reserved words usable.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

type queries struct {
	insert             string
	selectEvents       string
	selectAggregateIDs string
	countAggregates    string
	countForAggregate  string
	countEvents        string
}

func buildQueries(d Dialect, table string) queries {
	t := quoteIdentifier(table)
	p := d.Placeholder
	return queries{
		insert: fmt.Sprintf(
			"INSERT INTO %s (aggregate_id, event_id, created_date, metadata, payload) VALUES (%s, %s, %s, %s, %s)",
			t, p(1), p(2), p(3), p(4), p(5)),
		selectEvents: fmt.Sprintf(
			"SELECT event_id, created_date, metadata, payload FROM %s WHERE aggregate_id = %s ORDER BY event_id ASC",
			t, p(1)),
		selectAggregateIDs: fmt.Sprintf("SELECT DISTINCT aggregate_id FROM %s", t),
		countAggregates:    fmt.Sprintf("SELECT COUNT(DISTINCT aggregate_id) FROM %s", t),
		countForAggregate:  fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE aggregate_id = %s", t, p(1)),
		countEvents:        fmt.Sprintf("SELECT COUNT(*) FROM %s", t),
	}
}
