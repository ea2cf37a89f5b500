package event

import (
	"errors"
	"fmt"
	"regexp"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// ErrInvalidServiceName is returned when a service name cannot be mapped to
// a storage identifier.
var ErrInvalidServiceName = errors.New("invalid service name")

// MaxServiceNameLength bounds the normalized service name so the derived
// table name stays within identifier limits of every supported engine.
const MaxServiceNameLength = 48

var serviceNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// StoreContext scopes a storage operation to one application's event space.
// It is supplied on every call and carries no other state.
type StoreContext struct {
	ServiceName string
}

// NewStoreContext returns a StoreContext for the given service.
func NewStoreContext(serviceName string) StoreContext {
	return StoreContext{ServiceName: serviceName}
}

// NormalizedServiceName returns the service name after NFKC normalization and
// Unicode case folding, so "Orders" and "ORDERS" share one event space.
func (c StoreContext) NormalizedServiceName() (string, error) {
	name := cases.Fold().String(norm.NFKC.String(c.ServiceName))
	if utf8.RuneCountInString(name) > MaxServiceNameLength {
		return "", fmt.Errorf("%w: %q is longer than %d characters", ErrInvalidServiceName, c.ServiceName, MaxServiceNameLength)
	}
	if !serviceNamePattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q must match %s", ErrInvalidServiceName, c.ServiceName, serviceNamePattern)
	}
	return name, nil
}

// TableName returns the name of the table (or collection) holding the
// service's events: "<service>_event_store".
func (c StoreContext) TableName() (string, error) {
	name, err := c.NormalizedServiceName()
	if err != nil {
		return "", err
	}
	return name + "_event_store", nil
}
