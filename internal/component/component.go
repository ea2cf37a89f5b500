// Package component manages the lifecycle of system extensions.
package component

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// ErrDuplicateComponent is returned when a name is registered twice.
var ErrDuplicateComponent = errors.New("component name already registered")

// Component extends a system S. Init is called once, in registration order,
// while the system starts.
type Component[S any] interface {
	ComponentName() string
	Init(ctx context.Context, system S) error
}

// Stopper is implemented by components that hold resources. Stop is called in
// reverse registration order when the system closes.
type Stopper interface {
	Stop(ctx context.Context) error
}

// InitError reports which component failed to start.
type InitError struct {
	Name string
	Err  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("component %q: init: %v", e.Name, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// Registry holds uniquely named components.
type Registry[S any] struct {
	mu         sync.Mutex
	components []Component[S]
	names      map[string]struct{}
	started    []Component[S]
	logger     *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger means slog.Default().
func NewRegistry[S any](logger *slog.Logger) *Registry[S] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry[S]{
		names:  make(map[string]struct{}),
		logger: logger,
	}
}

// Register adds c. Names must be unique.
func (r *Registry[S]) Register(c Component[S]) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := c.ComponentName()
	if _, ok := r.names[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateComponent, name)
	}
	r.names[name] = struct{}{}
	r.components = append(r.components, c)
	return nil
}

// Names returns the registered names in registration order.
func (r *Registry[S]) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, len(r.components))
	for i, c := range r.components {
		names[i] = c.ComponentName()
	}
	return names
}

// InitAll initializes every component in registration order. When one fails,
// the components already started are stopped again and an *InitError is
// returned.
func (r *Registry[S]) InitAll(ctx context.Context, system S) error {
	r.mu.Lock()
	components := slices.Clone(r.components)
	r.mu.Unlock()

	for _, c := range components {
		if err := c.Init(ctx, system); err != nil {
			initErr := &InitError{Name: c.ComponentName(), Err: err}
			if stopErr := r.StopAll(ctx); stopErr != nil {
				return errors.Join(initErr, stopErr)
			}
			return initErr
		}

		r.mu.Lock()
		r.started = append(r.started, c)
		r.mu.Unlock()

		r.logger.Debug("component initialized", "component", c.ComponentName())
	}
	return nil
}

// StopAll stops started components in reverse order. Every Stopper is called
// even when an earlier one fails; the errors are joined.
func (r *Registry[S]) StopAll(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	r.started = nil
	r.mu.Unlock()

	var errs []error
	for _, c := range slices.Backward(started) {
		s, ok := c.(Stopper)
		if !ok {
			continue
		}
		if err := s.Stop(ctx); err != nil {
			r.logger.Error("component stop failed", "component", c.ComponentName(), "error", err)
			errs = append(errs, fmt.Errorf("component %q: stop: %w", c.ComponentName(), err))
			continue
		}
		r.logger.Debug("component stopped", "component", c.ComponentName())
	}
	return errors.Join(errs...)
}
