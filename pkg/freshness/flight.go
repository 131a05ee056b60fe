package freshness

import (
	"context"
)

// flight is the explicit handle for one outstanding fetch. It exists so the
// Coordinator can inspect whether a fetch is pending for a key without
// joining it, let any number of callers await the same result, and let the
// fetch outlive every caller and still write back.
type flight[V any] struct {
	done chan struct{}
	data V
	err  error
}

func newFlight[V any]() *flight[V] {
	return &flight[V]{done: make(chan struct{})}
}

// settle records the outcome and releases all waiters. Must be called exactly
// once.
func (f *flight[V]) settle(data V, err error) {
	f.data = data
	f.err = err
	close(f.done)
}

// wait blocks until the flight settles or the caller's context is done. The
// underlying fetch is never canceled; an abandoning caller simply stops
// waiting for it.
func (f *flight[V]) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
