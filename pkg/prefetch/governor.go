// Package prefetch opportunistically warms the cache for data the user is
// likely to need next, without competing with user-triggered traffic.
package prefetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-freshness/pkg/freshness"
)

// Prefetcher is the slice of the fetch coordinator the governor needs.
// *freshness.Coordinator satisfies it.
type Prefetcher[V any] interface {
	Prefetch(ctx context.Context, key string, fetchFn freshness.FetchFunc[V], policy freshness.Policy) <-chan struct{}
	IsFresh(key string) bool
}

// Request is one speculative warm-up candidate.
type Request[V any] struct {
	Key    string
	Fetch  freshness.FetchFunc[V]
	Policy freshness.Policy
}

// GovernorConfig holds configuration for a Governor.
type GovernorConfig struct {
	// MaxInflight caps concurrent speculative fetches. Defaults to 3.
	MaxInflight int
	// Cooldown is the minimum interval between repeated prefetch attempts for
	// the same key. Defaults to 30s.
	Cooldown time.Duration
	// ReleaseDelay is how long an in-flight slot is held after its fetch
	// settles, smoothing bursts. Tunable, not load-bearing. Defaults to 500ms.
	ReleaseDelay time.Duration
	// DebounceWindow is the quiet period after a Schedule call before its
	// batch is considered. A newer Schedule supersedes a pending one.
	// Defaults to 150ms.
	DebounceWindow time.Duration
	// IdleMaxWait bounds how long the batch may wait for an idle window.
	// Defaults to 2s.
	IdleMaxWait time.Duration

	// PageState, NetworkHints and Scheduler default to AlwaysVisible,
	// Unconstrained and TimerScheduler when nil.
	PageState    PageState
	NetworkHints NetworkHints
	Scheduler    Scheduler
	// Clock is the time source for cooldowns and the release delay. Defaults
	// to the real clock.
	Clock clockwork.Clock
}

func (cfg *GovernorConfig) applyDefaults() {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ReleaseDelay <= 0 {
		cfg.ReleaseDelay = 500 * time.Millisecond
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = 150 * time.Millisecond
	}
	if cfg.IdleMaxWait <= 0 {
		cfg.IdleMaxWait = 2 * time.Second
	}
	if cfg.PageState == nil {
		cfg.PageState = AlwaysVisible()
	}
	if cfg.NetworkHints == nil {
		cfg.NetworkHints = Unconstrained()
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = TimerScheduler{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
}

// Stats counts attempted and skipped prefetches per gate, for tuning.
type Stats struct {
	Attempted          uint64
	SkippedInflight    uint64
	SkippedHidden      uint64
	SkippedConstrained uint64
	SkippedCooldown    uint64
	SkippedFresh       uint64
}

// Governor issues speculative fetches through a Prefetcher under a global
// in-flight cap, per-key cooldowns, page visibility and network-quality
// gates. Batches are debounced and run in an idle window; a new Schedule call
// supersedes any batch still waiting.
type Governor[V any] struct {
	cfg        GovernorConfig
	prefetcher Prefetcher[V]
	pool       *ants.Pool
	clock      clockwork.Clock
	logger     zerolog.Logger

	mu            sync.Mutex
	lastAttempt   map[string]time.Time
	debounceTimer clockwork.Timer
	cancelIdle    func()
	closed        bool
	stats         Stats
}

// NewGovernor creates a Governor delegating to the given prefetcher.
func NewGovernor[V any](cfg GovernorConfig, prefetcher Prefetcher[V], logger zerolog.Logger) (*Governor[V], error) {
	if prefetcher == nil {
		return nil, fmt.Errorf("prefetcher cannot be nil")
	}
	cfg.applyDefaults()

	// A non-blocking fixed-size pool is the in-flight cap: when every worker
	// is busy, Submit fails and the candidate is skipped, not queued.
	pool, err := ants.NewPool(cfg.MaxInflight, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create prefetch pool: %w", err)
	}
	return &Governor[V]{
		cfg:         cfg,
		prefetcher:  prefetcher,
		pool:        pool,
		clock:       cfg.Clock,
		logger:      logger.With().Str("component", "PrefetchGovernor").Logger(),
		lastAttempt: make(map[string]time.Time),
	}, nil
}

// Schedule queues a batch of candidates behind the debounce window and an
// idle window. It supersedes any previously scheduled batch that has not run
// yet; both the debounce timer and the idle handle are canceled.
func (g *Governor[V]) Schedule(ctx context.Context, reqs ...Request[V]) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.cancelPendingLocked()
	batch := reqs
	g.debounceTimer = g.clock.AfterFunc(g.cfg.DebounceWindow, func() {
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			return
		}
		g.cancelIdle = g.cfg.Scheduler.RunWhenIdle(func() {
			g.run(ctx, batch)
		}, g.cfg.IdleMaxWait)
		g.mu.Unlock()
	})
}

// Close cancels any pending debounce timer and idle handle and releases the
// worker pool. In-flight prefetches are not interrupted.
func (g *Governor[V]) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.cancelPendingLocked()
	g.mu.Unlock()
	g.pool.Release()
	g.logger.Debug().Msg("Prefetch governor closed.")
}

// Stats returns a snapshot of gate counters.
func (g *Governor[V]) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// cancelPendingLocked stops the pending debounce timer and idle handle.
// Callers must hold g.mu.
func (g *Governor[V]) cancelPendingLocked() {
	if g.debounceTimer != nil {
		g.debounceTimer.Stop()
		g.debounceTimer = nil
	}
	if g.cancelIdle != nil {
		g.cancelIdle()
		g.cancelIdle = nil
	}
}

func (g *Governor[V]) run(ctx context.Context, reqs []Request[V]) {
	for _, req := range reqs {
		g.attempt(ctx, req)
	}
}

// attempt evaluates every gate in order, each a hard veto, then hands the
// fetch to the pool.
func (g *Governor[V]) attempt(ctx context.Context, req Request[V]) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	switch {
	case g.pool.Free() == 0:
		g.stats.SkippedInflight++
		g.mu.Unlock()
		g.logger.Debug().Str("key", req.Key).Msg("Prefetch skipped: in-flight cap reached.")
		return
	case g.cfg.PageState.Hidden():
		g.stats.SkippedHidden++
		g.mu.Unlock()
		g.logger.Debug().Str("key", req.Key).Msg("Prefetch skipped: page hidden.")
		return
	case g.cfg.NetworkHints.Constrained():
		g.stats.SkippedConstrained++
		g.mu.Unlock()
		g.logger.Debug().Str("key", req.Key).Msg("Prefetch skipped: constrained network.")
		return
	case g.clock.Now().Sub(g.lastAttempt[req.Key]) < g.cfg.Cooldown && !g.lastAttempt[req.Key].IsZero():
		g.stats.SkippedCooldown++
		g.mu.Unlock()
		g.logger.Debug().Str("key", req.Key).Msg("Prefetch skipped: cooldown not elapsed.")
		return
	case g.prefetcher.IsFresh(req.Key):
		g.stats.SkippedFresh++
		g.mu.Unlock()
		// Fresh data already cached is a no-op, not a failure.
		return
	}
	prevAttempt := g.lastAttempt[req.Key]
	g.lastAttempt[req.Key] = g.clock.Now()
	g.stats.Attempted++
	g.mu.Unlock()

	err := g.pool.Submit(func() {
		settled := g.prefetcher.Prefetch(ctx, req.Key, req.Fetch, req.Policy)
		select {
		case <-settled:
		case <-ctx.Done():
			return
		}
		// Hold the slot a little past settle to smooth bursts.
		g.clock.Sleep(g.cfg.ReleaseDelay)
	})
	if err != nil {
		g.rollbackAttempt(req.Key, prevAttempt)
		g.logger.Debug().Str("key", req.Key).Msg("Prefetch skipped: in-flight cap reached.")
	}
}

// rollbackAttempt undoes the bookkeeping of an attempt that lost the race for
// the last pool slot. A cap skip must not cost the key its cooldown, so the
// previous stamp is restored along with the counter.
func (g *Governor[V]) rollbackAttempt(key string, prev time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats.SkippedInflight++
	g.stats.Attempted--
	if prev.IsZero() {
		delete(g.lastAttempt, key)
	} else {
		g.lastAttempt[key] = prev
	}
}
