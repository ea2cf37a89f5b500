package sqlstore

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"
)

// Postgres is the dialect for github.com/lib/pq. The DSN is a libpq
// connection string or URL.
type Postgres struct{}

// Name implements Dialect.
func (Postgres) Name() string { return "postgres" }

// DriverName implements Dialect.
func (Postgres) DriverName() string { return "postgres" }

// CreateTable implements Dialect.
func (Postgres) CreateTable(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	aggregate_id UUID NOT NULL,
	event_id BIGINT NOT NULL,
	created_date TIMESTAMPTZ NOT NULL,
	metadata JSONB,
	payload JSONB NOT NULL,
	PRIMARY KEY (aggregate_id, event_id)
)`, quoteIdentifier(table))
}

// Placeholder implements Dialect.
func (Postgres) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

// EncodeTime implements Dialect.
func (Postgres) EncodeTime(t time.Time) any { return t }

// DecodeTime implements Dialect.
func (Postgres) DecodeTime(src any) (time.Time, error) {
	if t, ok := src.(time.Time); ok {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unexpected created_date type %T", src)
}

// EncodeDocument implements Dialect. lib/pq sends []byte as bytea, which a
// JSONB column rejects, so documents are bound as text.
func (Postgres) EncodeDocument(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// IsUniqueViolation implements Dialect.
func (Postgres) IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code.Name() == "unique_violation"
}
