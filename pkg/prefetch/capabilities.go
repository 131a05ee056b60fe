package prefetch

import (
	"time"
)

// PageState reports whether the page owning the cache is currently hidden.
// Environments without a visibility signal use AlwaysVisible.
type PageState interface {
	Hidden() bool
}

// PageStateFunc adapts a func to PageState.
type PageStateFunc func() bool

func (f PageStateFunc) Hidden() bool { return f() }

// AlwaysVisible is the fallback PageState: the page is never hidden.
func AlwaysVisible() PageState {
	return PageStateFunc(func() bool { return false })
}

// NetworkHints reports whether the network is constrained (data-saver mode or
// the lowest service class). Absence of a probe must be treated as no
// constraint; use Unconstrained.
type NetworkHints interface {
	Constrained() bool
}

// NetworkHintsFunc adapts a func to NetworkHints.
type NetworkHintsFunc func() bool

func (f NetworkHintsFunc) Constrained() bool { return f() }

// Unconstrained is the fallback NetworkHints: never constrained.
func Unconstrained() NetworkHints {
	return NetworkHintsFunc(func() bool { return false })
}

// Scheduler runs work at the lowest scheduling priority, bounded by a maximum
// wait so it still runs under sustained load. The returned cancel function
// prevents fn from running if it has not started yet.
type Scheduler interface {
	RunWhenIdle(fn func(), maxWait time.Duration) (cancel func())
}

// TimerScheduler is the always-available Scheduler: it approximates an idle
// window by yielding for a fixed delay, clamped to maxWait.
type TimerScheduler struct {
	// Yield is how long to stand aside before running. Defaults to 50ms.
	Yield time.Duration
}

func (s TimerScheduler) RunWhenIdle(fn func(), maxWait time.Duration) func() {
	delay := s.Yield
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	if maxWait > 0 && maxWait < delay {
		delay = maxWait
	}
	timer := time.AfterFunc(delay, fn)
	return func() { timer.Stop() }
}
