package projection

import (
	"context"

	"github.com/roach88/eventific/internal/component"
	"github.com/roach88/eventific/internal/engine"
)

// Component attaches a Tracker to a system as a component: the tracker is
// registered as a sender while components start, and stopped with them.
type Component[D, M any] struct {
	tracker *Tracker[D, M]
}

var (
	_ component.Component[*engine.System[struct{}, struct{}]] = (*Component[struct{}, struct{}])(nil)
	_ component.Stopper                                       = (*Component[struct{}, struct{}])(nil)
)

// NewComponent wraps tracker.
func NewComponent[D, M any](tracker *Tracker[D, M]) *Component[D, M] {
	return &Component[D, M]{tracker: tracker}
}

// ComponentName implements component.Component.
func (c *Component[D, M]) ComponentName() string {
	return "projection/" + c.tracker.Name()
}

// Init implements component.Component.
func (c *Component[D, M]) Init(_ context.Context, system *engine.System[D, M]) error {
	return system.RegisterSender(c.tracker)
}

// Stop implements component.Stopper.
func (c *Component[D, M]) Stop(ctx context.Context) error {
	return c.tracker.Stop(ctx)
}

// Tracker returns the wrapped tracker.
func (c *Component[D, M]) Tracker() *Tracker[D, M] {
	return c.tracker
}
