package sqlstore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// pinger is the part of the store the supervisor drives.
type pinger interface {
	ping(ctx context.Context) (busy bool, err error)
	markFaulted(cause error)
	closeFaults()
}

// supervisor health-checks the connection on a fixed interval. After
// threshold consecutive failures it faults the store and exits; it never
// reconnects.
type supervisor struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func startSupervisor(p pinger, interval time.Duration, threshold int) *supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	sv := &supervisor{cancel: cancel, done: make(chan struct{})}
	go sv.run(ctx, p, interval, threshold)
	return sv
}

func (sv *supervisor) run(ctx context.Context, p pinger, interval time.Duration, threshold int) {
	defer close(sv.done)
	defer p.closeFaults()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, interval)
		busy, err := p.ping(pingCtx)
		cancel()

		switch {
		case ctx.Err() != nil:
			return
		case busy:
			// The connection is in use; that tick proves nothing either way.
			continue
		case err == nil:
			failures = 0
			continue
		}

		failures++
		if failures < threshold {
			continue
		}
		p.markFaulted(fmt.Errorf("%d consecutive health checks failed: %w", failures, err))
		return
	}
}

// stop ends supervision and waits for the goroutine to exit.
func (sv *supervisor) stop() {
	sv.once.Do(sv.cancel)
	<-sv.done
}

// ping checks the connection unless an operation currently holds the store.
func (s *Store[D, M]) ping(ctx context.Context) (bool, error) {
	if !s.mu.TryLock() {
		return true, nil
	}
	defer s.mu.Unlock()

	err := s.db.PingContext(ctx)
	if err != nil {
		s.logger.Warn("database health check failed", "error", err)
	}
	return false, err
}

func (s *Store[D, M]) markFaulted(cause error) {
	s.fault.Store(&cause)
	s.logger.Error("database connection faulted", "error", cause)
	s.faults <- cause
}

func (s *Store[D, M]) closeFaults() {
	close(s.faults)
}
