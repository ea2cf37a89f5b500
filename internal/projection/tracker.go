// Package projection maintains a read model derived from the event store.
//
// Tracker keeps the number of events per aggregate. It is rebuilt from the
// store when it starts and whenever its notifications were dropped, and is
// refreshed one aggregate at a time for every notification in between.
package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/roach88/eventific/internal/engine"
	"github.com/roach88/eventific/internal/event"
	"github.com/roach88/eventific/internal/notify"
	"github.com/roach88/eventific/internal/store"
)

// DefaultName is the sender name used by NewTracker.
const DefaultName = "aggregate-counts"

// Tracker is a notify.Sender that tracks per-aggregate event counts.
type Tracker[D, M any] struct {
	name   string
	logger *slog.Logger

	mu     sync.RWMutex
	counts map[event.AggregateID]uint64
	synced bool

	system *engine.System[D, M]
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

var _ notify.Sender[*engine.System[struct{}, struct{}]] = (*Tracker[struct{}, struct{}])(nil)

// NewTracker creates a tracker. A nil logger means slog.Default().
func NewTracker[D, M any](logger *slog.Logger) *Tracker[D, M] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker[D, M]{
		name:   DefaultName,
		logger: logger.With("sender", DefaultName),
		counts: make(map[event.AggregateID]uint64),
	}
}

// Name implements notify.Sender.
func (t *Tracker[D, M]) Name() string {
	return t.name
}

// Init implements notify.Sender. It performs the initial resync before
// returning, then consumes notifications in the background until ctx ends
// or Stop is called.
func (t *Tracker[D, M]) Init(ctx context.Context, system *engine.System[D, M], rx *notify.Receiver[event.AggregateID]) error {
	t.system = system
	if err := t.resync(ctx); err != nil {
		return err
	}

	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	go func() {
		defer close(t.done)
		if err := notify.Consume(ctx, rx, notify.Handler[event.AggregateID](t)); err != nil {
			t.logger.Error("projection stopped", "error", err)
			t.mu.Lock()
			t.err = err
			t.mu.Unlock()
		}
	}()
	return nil
}

// Handle implements notify.Handler by re-counting one aggregate.
func (t *Tracker[D, M]) Handle(ctx context.Context, id event.AggregateID) error {
	n, err := t.system.TotalEventsForAggregate(ctx, id)
	if err != nil {
		return t.readFailed(fmt.Errorf("count events of %s: %w", id, err))
	}

	t.mu.Lock()
	t.counts[id] = n
	t.mu.Unlock()

	t.logger.Debug("aggregate refreshed", "aggregate_id", id, "events", n)
	return nil
}

// Resync implements notify.Handler by rebuilding every count.
func (t *Tracker[D, M]) Resync(ctx context.Context, skipped uint64) error {
	t.logger.Warn("notifications dropped, resyncing", "skipped", skipped)
	if err := t.resync(ctx); err != nil {
		return t.readFailed(err)
	}
	return nil
}

// readFailed keeps the consumer alive across recoverable store errors.
// Faulted stores never recover, so the projection stops.
func (t *Tracker[D, M]) readFailed(err error) error {
	if errors.Is(err, store.ErrFaulted) {
		return err
	}
	t.logger.Warn("projection refresh failed", "error", err)
	t.mu.Lock()
	t.synced = false
	t.mu.Unlock()
	return nil
}

func (t *Tracker[D, M]) resync(ctx context.Context) error {
	counts := make(map[event.AggregateID]uint64)

	var ids []event.AggregateID
	for id, err := range t.system.AggregateIDs(ctx) {
		if err != nil {
			return fmt.Errorf("list aggregates: %w", err)
		}
		ids = append(ids, id)
	}
	// Counts are read after the id cursor is released.
	for _, id := range ids {
		n, err := t.system.TotalEventsForAggregate(ctx, id)
		if err != nil {
			return fmt.Errorf("count events of %s: %w", id, err)
		}
		counts[id] = n
	}

	t.mu.Lock()
	t.counts = counts
	t.synced = true
	t.mu.Unlock()

	t.logger.Info("projection resynced", "aggregates", len(counts))
	return nil
}

// Count returns the tracked number of events for id.
func (t *Tracker[D, M]) Count(id event.AggregateID) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.counts[id]
	return n, ok
}

// Snapshot returns a copy of every tracked count.
func (t *Tracker[D, M]) Snapshot() map[event.AggregateID]uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.counts)
}

// Total returns the sum of all tracked counts.
func (t *Tracker[D, M]) Total() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total uint64
	for _, n := range t.counts {
		total += n
	}
	return total
}

// Synced reports whether the last resync or refresh succeeded.
func (t *Tracker[D, M]) Synced() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.synced
}

// Err returns the error that stopped the projection, if any.
func (t *Tracker[D, M]) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// Stop ends background consumption and waits for it to finish.
func (t *Tracker[D, M]) Stop(ctx context.Context) error {
	if t.cancel == nil {
		return nil
	}
	t.cancel()
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
