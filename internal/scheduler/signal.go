package scheduler

import "context"

// Signal wakes a single waiting loop. Notifications coalesce: any number of
// Notify calls before a Wait produce one wake-up. Waiters must tolerate
// spurious wake-ups.
type Signal struct {
	ch chan struct{}
}

// NewSignal creates an unset signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Notify sets the signal. It never blocks.
func (s *Signal) Notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until the signal is set or ctx is done, then clears it.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear drops a pending notification.
func (s *Signal) Clear() {
	select {
	case <-s.ch:
	default:
	}
}
