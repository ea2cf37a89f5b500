package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/eventific/internal/event"
)

// Sender is an extension that reacts to aggregate change notifications.
//
// Init is called once while the system starts. It receives the system handle
// and a dedicated receiver, and must not block: long-running work belongs in
// a goroutine bound to ctx, which stays alive until the system closes. Name
// must be unique among the senders of one system.
type Sender[S any] interface {
	Name() string
	Init(ctx context.Context, system S, rx *Receiver[event.AggregateID]) error
}

// Handler processes notifications for Consume.
type Handler[T any] interface {
	// Handle is called for every received value.
	Handle(ctx context.Context, v T) error

	// Resync is called after the receiver lagged and skipped values were
	// dropped. Implementations rebuild whatever they derive from the
	// notifications.
	Resync(ctx context.Context, skipped uint64) error
}

// Consume drains rx into h until the broadcaster closes or ctx is done, in
// which case it returns nil. A handler error stops the loop and is returned.
// The receiver is closed on return.
func Consume[T any](ctx context.Context, rx *Receiver[T], h Handler[T]) error {
	defer rx.Close()

	for {
		v, err := rx.Recv(ctx)

		var lagged *LaggedError
		switch {
		case err == nil:
			if err := h.Handle(ctx, v); err != nil {
				return err
			}
		case errors.As(err, &lagged):
			if err := h.Resync(ctx, lagged.Skipped); err != nil {
				return err
			}
		case errors.Is(err, ErrClosed), ctx.Err() != nil:
			return nil
		default:
			return err
		}
	}
}

// LogSender logs every notification it receives.
type LogSender[S any] struct {
	name   string
	logger *slog.Logger
}

// NewLogSender creates a LogSender. A nil logger means slog.Default().
func NewLogSender[S any](name string, logger *slog.Logger) *LogSender[S] {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender[S]{name: name, logger: logger.With("sender", name)}
}

// Name implements Sender.
func (l *LogSender[S]) Name() string {
	return l.name
}

// Init implements Sender.
func (l *LogSender[S]) Init(ctx context.Context, _ S, rx *Receiver[event.AggregateID]) error {
	go func() {
		if err := Consume(ctx, rx, Handler[event.AggregateID](l)); err != nil {
			l.logger.Error("sender stopped", "error", err)
		}
	}()
	return nil
}

// Handle implements Handler.
func (l *LogSender[S]) Handle(_ context.Context, id event.AggregateID) error {
	l.logger.Info("aggregate changed", "aggregate_id", id)
	return nil
}

// Resync implements Handler.
func (l *LogSender[S]) Resync(_ context.Context, skipped uint64) error {
	l.logger.Warn("notifications dropped", "skipped", skipped)
	return nil
}
