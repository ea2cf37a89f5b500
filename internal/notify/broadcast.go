// Package notify fans out "this aggregate changed" notifications to
// interested senders.
//
// A Broadcaster keeps a bounded backlog per subscriber. Publishing never
// blocks: when a subscriber's backlog is full its oldest value is dropped and
// the subscriber is told how many values it missed on its next receive.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultBacklog is the per-subscriber capacity used when none is given.
const DefaultBacklog = 1024

// ErrClosed is returned by receives once the broadcaster (or the receiver
// itself) is closed and every buffered value has been delivered.
var ErrClosed = errors.New("notify: channel closed")

// ErrEmpty is returned by TryRecv when no value is ready.
var ErrEmpty = errors.New("notify: no value ready")

// LaggedError reports that a receiver fell behind and Skipped values were
// dropped. The next receive continues with the oldest value still retained.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("notify: receiver lagged by %d values", e.Skipped)
}

// IsLagged reports whether err is a *LaggedError.
func IsLagged(err error) bool {
	var le *LaggedError
	return errors.As(err, &le)
}

// Broadcaster delivers every published value to every current receiver.
type Broadcaster[T any] struct {
	capacity int

	mu        sync.Mutex
	receivers map[*Receiver[T]]struct{}
	closed    bool
}

// NewBroadcaster creates a broadcaster whose receivers buffer up to capacity
// values. A non-positive capacity means DefaultBacklog.
func NewBroadcaster[T any](capacity int) *Broadcaster[T] {
	if capacity <= 0 {
		capacity = DefaultBacklog
	}
	return &Broadcaster[T]{
		capacity:  capacity,
		receivers: make(map[*Receiver[T]]struct{}),
	}
}

// Subscribe returns a receiver that sees every value published from now on.
// Subscribing to a closed broadcaster yields a closed receiver.
func (b *Broadcaster[T]) Subscribe() *Receiver[T] {
	r := &Receiver[T]{
		b:        b,
		capacity: b.capacity,
		ready:    make(chan struct{}, 1),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		r.closed = true
		return r
	}
	b.receivers[r] = struct{}{}
	return r
}

// Publish delivers v to every receiver and returns how many there were.
// It never blocks.
func (b *Broadcaster[T]) Publish(v T) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0
	}
	for r := range b.receivers {
		r.push(v)
	}
	return len(b.receivers)
}

// ReceiverCount returns the number of live receivers.
func (b *Broadcaster[T]) ReceiverCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.receivers)
}

// Close stops delivery. Receivers drain what they already hold and then
// report ErrClosed. Close is idempotent.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for r := range b.receivers {
		r.markClosed()
	}
	clear(b.receivers)
}

func (b *Broadcaster[T]) unsubscribe(r *Receiver[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.receivers, r)
}

// Receiver is one subscriber's view of a Broadcaster. A Receiver is meant to
// be drained by a single goroutine.
type Receiver[T any] struct {
	b        *Broadcaster[T]
	capacity int

	mu      sync.Mutex
	backlog []T
	skipped uint64
	closed  bool

	// ready holds a token whenever a push or close happened since the last
	// wake-up.
	ready chan struct{}
}

// Recv blocks until a value is available, the receiver lagged, the channel
// closed, or ctx is done.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	for {
		v, err := r.TryRecv()
		if !errors.Is(err, ErrEmpty) {
			return v, err
		}
		select {
		case <-r.ready:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryRecv returns the next value without blocking. It returns ErrEmpty when
// nothing is ready.
func (r *Receiver[T]) TryRecv() (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.skipped > 0 {
		n := r.skipped
		r.skipped = 0
		return zero, &LaggedError{Skipped: n}
	}
	if len(r.backlog) > 0 {
		v := r.backlog[0]
		r.backlog[0] = zero
		r.backlog = r.backlog[1:]
		return v, nil
	}
	if r.closed {
		return zero, ErrClosed
	}
	return zero, ErrEmpty
}

// Len returns the number of buffered values.
func (r *Receiver[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.backlog)
}

// Close unsubscribes the receiver and discards its backlog.
func (r *Receiver[T]) Close() {
	r.b.unsubscribe(r)

	r.mu.Lock()
	r.backlog = nil
	r.skipped = 0
	r.mu.Unlock()

	r.markClosed()
}

func (r *Receiver[T]) push(v T) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if len(r.backlog) == r.capacity {
		var zero T
		r.backlog[0] = zero
		r.backlog = r.backlog[1:]
		r.skipped++
	}
	r.backlog = append(r.backlog, v)
	r.mu.Unlock()

	r.wake()
}

func (r *Receiver[T]) markClosed() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.wake()
}

func (r *Receiver[T]) wake() {
	select {
	case r.ready <- struct{}{}:
	default:
	}
}
