package prefetch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-freshness/pkg/freshness"
	"github.com/illmade-knight/go-freshness/pkg/prefetch"
)

// mockPrefetcher is a test double for the prefetch.Prefetcher interface.
type mockPrefetcher struct {
	mu      sync.Mutex
	keys    []string
	settled map[string]chan struct{}
	fresh   func(key string) bool
}

func newMockPrefetcher() *mockPrefetcher {
	return &mockPrefetcher{settled: make(map[string]chan struct{})}
}

func (m *mockPrefetcher) Prefetch(_ context.Context, key string, _ freshness.FetchFunc[string], _ freshness.Policy) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	settled, ok := m.settled[key]
	if !ok {
		settled = make(chan struct{})
		close(settled)
	}
	return settled
}

func (m *mockPrefetcher) IsFresh(key string) bool {
	if m.fresh == nil {
		return false
	}
	return m.fresh(key)
}

func (m *mockPrefetcher) calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.keys...)
}

// block registers a key whose prefetch stays in flight until the returned
// func is called.
func (m *mockPrefetcher) block(key string) func() {
	settled := make(chan struct{})
	m.mu.Lock()
	m.settled[key] = settled
	m.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(settled) }) }
}

// fastConfig keeps scheduling delays short enough for tests while leaving the
// gate parameters per test.
func fastConfig() prefetch.GovernorConfig {
	return prefetch.GovernorConfig{
		Cooldown:       time.Hour,
		ReleaseDelay:   time.Millisecond,
		DebounceWindow: time.Millisecond,
		IdleMaxWait:    5 * time.Millisecond,
		Scheduler:      prefetch.TimerScheduler{Yield: time.Millisecond},
	}
}

func request(key string) prefetch.Request[string] {
	return prefetch.Request[string]{
		Key:    key,
		Fetch:  func(ctx context.Context) (string, error) { return "warm", nil },
		Policy: freshness.Policy{TTL: time.Minute},
	}
}

func TestGovernor_InflightCap(t *testing.T) {
	// Arrange: five candidates, a cap of three, every fetch stuck in flight.
	prefetcher := newMockPrefetcher()
	cfg := fastConfig()
	cfg.MaxInflight = 3
	governor, err := prefetch.NewGovernor[string](cfg, prefetcher, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(governor.Close)

	keys := []string{"k1", "k2", "k3", "k4", "k5"}
	var reqs []prefetch.Request[string]
	var releases []func()
	for _, key := range keys {
		releases = append(releases, prefetcher.block(key))
		reqs = append(reqs, request(key))
	}

	// Act
	governor.Schedule(context.Background(), reqs...)

	// Assert: exactly three fetches started, the other two were skipped
	// silently, not queued.
	require.Eventually(t, func() bool {
		return len(prefetcher.calls()) == 3
	}, time.Second, time.Millisecond)
	stats := governor.Stats()
	assert.Equal(t, uint64(3), stats.Attempted)
	assert.Equal(t, uint64(2), stats.SkippedInflight)

	for _, release := range releases {
		release()
	}
	// Releasing slots does not retry the skipped candidates.
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, prefetcher.calls(), 3)
}

func TestGovernor_Gates(t *testing.T) {
	ctx := context.Background()

	t.Run("Hidden page vetoes every attempt", func(t *testing.T) {
		// Arrange
		prefetcher := newMockPrefetcher()
		cfg := fastConfig()
		cfg.PageState = prefetch.PageStateFunc(func() bool { return true })
		governor, err := prefetch.NewGovernor[string](cfg, prefetcher, zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(governor.Close)

		// Act
		governor.Schedule(ctx, request("k1"), request("k2"))

		// Assert
		require.Eventually(t, func() bool {
			return governor.Stats().SkippedHidden == 2
		}, time.Second, time.Millisecond)
		assert.Empty(t, prefetcher.calls())
	})

	t.Run("Constrained network vetoes every attempt", func(t *testing.T) {
		// Arrange
		prefetcher := newMockPrefetcher()
		cfg := fastConfig()
		cfg.NetworkHints = prefetch.NetworkHintsFunc(func() bool { return true })
		governor, err := prefetch.NewGovernor[string](cfg, prefetcher, zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(governor.Close)

		// Act
		governor.Schedule(ctx, request("k1"))

		// Assert
		require.Eventually(t, func() bool {
			return governor.Stats().SkippedConstrained == 1
		}, time.Second, time.Millisecond)
		assert.Empty(t, prefetcher.calls())
	})

	t.Run("Fresh data is a no-op, not a failure", func(t *testing.T) {
		// Arrange
		prefetcher := newMockPrefetcher()
		prefetcher.fresh = func(key string) bool { return key == "fresh-key" }
		governor, err := prefetch.NewGovernor[string](fastConfig(), prefetcher, zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(governor.Close)

		// Act
		governor.Schedule(ctx, request("fresh-key"), request("cold-key"))

		// Assert: only the cold key is fetched.
		require.Eventually(t, func() bool {
			return len(prefetcher.calls()) == 1
		}, time.Second, time.Millisecond)
		assert.Equal(t, []string{"cold-key"}, prefetcher.calls())
		assert.Equal(t, uint64(1), governor.Stats().SkippedFresh)
	})

	t.Run("Cooldown suppresses repeat attempts for the same key", func(t *testing.T) {
		// Arrange
		prefetcher := newMockPrefetcher()
		governor, err := prefetch.NewGovernor[string](fastConfig(), prefetcher, zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(governor.Close)

		// Act: schedule the same key twice, well within the cooldown.
		governor.Schedule(ctx, request("k1"))
		require.Eventually(t, func() bool {
			return len(prefetcher.calls()) == 1
		}, time.Second, time.Millisecond)
		governor.Schedule(ctx, request("k1"))

		// Assert
		require.Eventually(t, func() bool {
			return governor.Stats().SkippedCooldown == 1
		}, time.Second, time.Millisecond)
		assert.Len(t, prefetcher.calls(), 1)
	})
}

func TestGovernor_DebounceSupersedes(t *testing.T) {
	// Arrange: a longer debounce so the second Schedule lands inside it.
	prefetcher := newMockPrefetcher()
	cfg := fastConfig()
	cfg.DebounceWindow = 50 * time.Millisecond
	governor, err := prefetch.NewGovernor[string](cfg, prefetcher, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(governor.Close)

	// Act: a new navigation supersedes the pending one.
	governor.Schedule(context.Background(), request("superseded"))
	governor.Schedule(context.Background(), request("latest"))

	// Assert: only the latest batch runs.
	require.Eventually(t, func() bool {
		return len(prefetcher.calls()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"latest"}, prefetcher.calls())
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, prefetcher.calls(), 1, "the superseded batch must never run")
}

func TestGovernor_CloseCancelsPendingWork(t *testing.T) {
	// Arrange
	prefetcher := newMockPrefetcher()
	cfg := fastConfig()
	cfg.DebounceWindow = 50 * time.Millisecond
	governor, err := prefetch.NewGovernor[string](cfg, prefetcher, zerolog.Nop())
	require.NoError(t, err)

	// Act: close while a batch is still debouncing.
	governor.Schedule(context.Background(), request("k1"))
	governor.Close()

	// Assert
	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, prefetcher.calls())

	// Scheduling after close is a no-op.
	governor.Schedule(context.Background(), request("k2"))
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, prefetcher.calls())
}
