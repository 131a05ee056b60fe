package freshness

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// ErrNoData is returned by GetOrFetch when a joined in-flight fetch settled
// without leaving usable data in the store.
var ErrNoData = errors.New("no data available for key")

// ErrClosed is returned by GetOrFetch after Close.
var ErrClosed = errors.New("coordinator is closed")

// FetchFunc loads the payload for one key from the source of truth. The
// Coordinator imposes no timeout; that is the fetch function's concern.
type FetchFunc[V any] func(ctx context.Context) (V, error)

// Result is the outcome of a GetOrFetch call.
type Result[V any] struct {
	Data V
	// Seq is the write sequence of the entry the data came from.
	Seq uint64
	// Stale reports that the data is past its soft TTL and a background
	// refresh has been (or already was) launched.
	Stale bool
}

// Persister mirrors qualifying entries into a durable medium. All operations
// are best-effort: implementations swallow storage failures, so none of them
// return errors. See the persistence package for the standard implementation.
type Persister[V any] interface {
	Write(ctx context.Context, entry Entry[V])
	Delete(ctx context.Context, key string)
	Clear(ctx context.Context)
	Hydrate(ctx context.Context) map[string]Entry[V]
	EvictOverCapacity(ctx context.Context)
}

// CoordinatorConfig holds configuration for a Coordinator.
type CoordinatorConfig struct {
	// MaxEntries caps the in-memory store. Defaults to 200.
	MaxEntries int
	// Clock is the time source for freshness decisions. Defaults to the real
	// clock.
	Clock clockwork.Clock
}

// Coordinator decides the fresh/stale/miss outcome for every read,
// deduplicates concurrent fetches per key, and writes results back into its
// store (and, for qualifying keys, the persister). It guarantees at most one
// outstanding fetch per key at any time.
type Coordinator[V any] struct {
	store     *Store[V]
	persister Persister[V]
	clock     clockwork.Clock
	logger    zerolog.Logger

	mu          sync.Mutex
	closed      bool
	subscribers map[string]func()
	hits        uint64
	staleHits   uint64
	misses      uint64
	refreshes   uint64
}

// NewCoordinator creates a Coordinator with its own entry store.
// - persister: optional durable mirror; nil disables persistence.
func NewCoordinator[V any](cfg CoordinatorConfig, persister Persister[V], logger zerolog.Logger) (*Coordinator[V], error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 200
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	store, err := NewStore[V](cfg.MaxEntries, cfg.Clock)
	if err != nil {
		return nil, fmt.Errorf("failed to create entry store: %w", err)
	}
	return &Coordinator[V]{
		store:       store,
		persister:   persister,
		clock:       cfg.Clock,
		logger:      logger.With().Str("component", "Coordinator").Logger(),
		subscribers: make(map[string]func()),
	}, nil
}

// Hydrate seeds the store from the persister. Call it once on startup, before
// the coordinator sees traffic. It is a no-op without a persister.
func (c *Coordinator[V]) Hydrate(ctx context.Context) {
	if c.persister == nil {
		return
	}
	records := c.persister.Hydrate(ctx)
	c.mu.Lock()
	for key, record := range records {
		entry := record
		c.store.Set(key, &entry)
	}
	c.store.EvictOverCapacity()
	c.mu.Unlock()
	c.logger.Info().Int("entries", len(records)).Msg("Hydrated store from persistence.")
}

// GetOrFetch returns data for key, deciding in priority order: fresh hit,
// stale hit with background refresh, join of an in-flight fetch, or a
// blocking miss. A failed fetch clears the pending marker and propagates the
// failure to awaiting callers only; previously cached data is untouched.
func (c *Coordinator[V]) GetOrFetch(ctx context.Context, key string, fetchFn FetchFunc[V], policy Policy) (Result[V], error) {
	var zero Result[V]
	if err := policy.validate(); err != nil {
		return zero, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return zero, ErrClosed
	}
	now := c.clock.Now()
	entry, ok := c.store.Get(key)
	if ok {
		switch entry.TierAt(now) {
		case TierFresh:
			c.hits++
			c.store.Touch(key)
			result := Result[V]{Data: entry.Data, Seq: entry.Seq}
			c.mu.Unlock()
			c.logger.Debug().Str("key", key).Msg("Cache hit.")
			return result, nil
		case TierStale:
			c.staleHits++
			c.store.Touch(key)
			if entry.pending == nil {
				c.launchLocked(key, entry, fetchFn, policy)
			}
			result := Result[V]{Data: entry.Data, Seq: entry.Seq, Stale: true}
			c.mu.Unlock()
			c.logger.Debug().Str("key", key).Msg("Stale hit, refreshing in background.")
			return result, nil
		}
		if entry.pending != nil {
			// No usable data, but a fetch is already on its way: join it
			// rather than issuing a second network call.
			pending := entry.pending
			c.mu.Unlock()
			return c.await(ctx, key, pending)
		}
	}

	// Miss: nothing usable and nothing pending.
	c.misses++
	if entry == nil {
		entry = &Entry[V]{Key: key}
		c.store.Set(key, entry)
	}
	pending := c.launchLocked(key, entry, fetchFn, policy)
	c.mu.Unlock()
	c.logger.Debug().Str("key", key).Msg("Cache miss, fetching.")
	return c.await(ctx, key, pending)
}

// Prefetch runs the fresh/stale/in-flight decision tree without ever blocking
// the caller on the network. Fetch errors are swallowed (logged at debug).
// The returned channel closes once any launched fetch settles, or immediately
// when there was nothing to do; callers are free to ignore it.
func (c *Coordinator[V]) Prefetch(ctx context.Context, key string, fetchFn FetchFunc[V], policy Policy) <-chan struct{} {
	settled := make(chan struct{})
	if err := policy.validate(); err != nil {
		close(settled)
		return settled
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(settled)
		return settled
	}
	now := c.clock.Now()
	entry, ok := c.store.Get(key)
	if ok {
		tier := entry.TierAt(now)
		if tier == TierFresh || entry.pending != nil {
			pending := entry.pending
			c.mu.Unlock()
			if pending == nil {
				close(settled)
			} else {
				go func() {
					<-pending.done
					close(settled)
				}()
			}
			return settled
		}
	} else {
		entry = &Entry[V]{Key: key}
		c.store.Set(key, entry)
	}
	pending := c.launchLocked(key, entry, fetchFn, policy)
	c.mu.Unlock()

	go func() {
		<-pending.done
		close(settled)
	}()
	return settled
}

// Peek returns cached data only if it has not passed its hard TTL. No side
// effects: LRU order is untouched and nothing is fetched.
func (c *Coordinator[V]) Peek(key string) (V, bool) {
	var zero V
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.store.Get(key)
	if !ok {
		return zero, false
	}
	switch entry.TierAt(c.clock.Now()) {
	case TierFresh, TierStale:
		return entry.Data, true
	}
	return zero, false
}

// PeekStale returns cached data regardless of expiry. Used to avoid a loading
// flash when something usable, even if old, exists.
func (c *Coordinator[V]) PeekStale(key string) (V, bool) {
	var zero V
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.store.Get(key)
	if !ok || !entry.HasData {
		return zero, false
	}
	return entry.Data, true
}

// IsFresh reports whether key currently holds data within its soft TTL.
func (c *Coordinator[V]) IsFresh(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.store.Get(key)
	return ok && entry.TierAt(c.clock.Now()) == TierFresh
}

// InvalidateByKeys removes the given keys from the store and the persister,
// then notifies subscribers. The next read for each key is forced to miss.
func (c *Coordinator[V]) InvalidateByKeys(ctx context.Context, keys []string) {
	removed := 0
	c.mu.Lock()
	for _, key := range keys {
		if c.store.Delete(key) {
			removed++
		}
		if c.persister != nil {
			c.persister.Delete(ctx, key)
		}
	}
	c.mu.Unlock()
	c.logger.Debug().Int("removed", removed).Msg("Invalidated keys.")
	c.notify()
}

// InvalidateByPredicate removes every key the predicate matches.
func (c *Coordinator[V]) InvalidateByPredicate(ctx context.Context, pred Predicate) {
	c.mu.Lock()
	var matched []string
	for _, key := range c.store.Keys() {
		if pred(key) {
			matched = append(matched, key)
		}
	}
	for _, key := range matched {
		c.store.Delete(key)
		if c.persister != nil {
			c.persister.Delete(ctx, key)
		}
	}
	c.mu.Unlock()
	c.logger.Debug().Int("removed", len(matched)).Msg("Invalidated keys by predicate.")
	c.notify()
}

// Clear removes every entry from the store and the persister, then notifies
// subscribers.
func (c *Coordinator[V]) Clear(ctx context.Context) {
	c.mu.Lock()
	c.store.Clear()
	if c.persister != nil {
		c.persister.Clear(ctx)
	}
	c.mu.Unlock()
	c.logger.Info().Msg("Cache cleared.")
	c.notify()
}

// Subscribe registers fn to run after any invalidation or clear. The returned
// function removes the subscription.
func (c *Coordinator[V]) Subscribe(fn func()) func() {
	token := uuid.NewString()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}
	}
	c.subscribers[token] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subscribers, token)
		c.mu.Unlock()
	}
}

// Close stops the coordinator accepting new fetch work and drops all
// subscribers: GetOrFetch returns ErrClosed, Prefetch becomes a no-op and
// Subscribe no longer registers. Fetches already in flight are allowed to
// complete and write back, and cached data stays readable through Peek and
// PeekStale. Close is idempotent.
func (c *Coordinator[V]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.subscribers = make(map[string]func())
	c.mu.Unlock()
	c.logger.Info().Msg("Coordinator closed.")
}

// Stats is a snapshot of coordinator read counters.
type Stats struct {
	Hits      uint64
	StaleHits uint64
	Misses    uint64
	Refreshes uint64
	Entries   int
	Evictions uint64
}

// Stats returns a snapshot of read and eviction counters.
func (c *Coordinator[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		StaleHits: c.staleHits,
		Misses:    c.misses,
		Refreshes: c.refreshes,
		Entries:   c.store.Len(),
		Evictions: c.store.Evictions(),
	}
}

// launchLocked records a new flight on entry and starts the fetch in its own
// goroutine. The fetch runs on a context detached from the caller's: the
// coordinator never cancels in-flight fetches, they are allowed to complete
// and populate the cache even when nobody is waiting. Callers must hold c.mu.
func (c *Coordinator[V]) launchLocked(key string, entry *Entry[V], fetchFn FetchFunc[V], policy Policy) *flight[V] {
	pending := newFlight[V]()
	entry.pending = pending
	c.refreshes++

	// Detached from the caller's context: cancellation of a read is logical
	// (the caller stops waiting), never a cancellation of the fetch itself.
	fetchCtx := context.Background()
	go func() {
		data, err := fetchFn(fetchCtx)
		c.complete(fetchCtx, key, pending, data, err, policy)
	}()
	return pending
}

// complete writes a settled fetch back into the store, clears the pending
// marker, evicts over capacity, and mirrors the entry into the persister.
// On error the store keeps whatever it already had.
func (c *Coordinator[V]) complete(ctx context.Context, key string, pending *flight[V], data V, err error, policy Policy) {
	c.mu.Lock()
	entry, ok := c.store.Get(key)
	if !ok {
		// The key was invalidated while the fetch was in flight. The result
		// still lands so the next read finds it.
		entry = &Entry[V]{Key: key}
		c.store.Set(key, entry)
	}
	if entry.pending == pending {
		entry.pending = nil
	}

	if err != nil {
		if !entry.HasData && entry.pending == nil {
			// A placeholder created for this fetch holds nothing useful.
			c.store.Delete(key)
		}
		c.mu.Unlock()
		c.logger.Debug().Err(err).Str("key", key).Msg("Fetch failed.")
		pending.settle(data, err)
		return
	}

	now := c.clock.Now()
	entry.Data = data
	entry.HasData = true
	entry.FetchedAt = now
	entry.SoftExpiresAt = now.Add(policy.softTTL())
	entry.ExpiresAt = now.Add(policy.TTL)
	entry.Seq = nextSeq()
	c.store.Set(key, entry)
	c.store.EvictOverCapacity()
	snapshot := *entry
	c.mu.Unlock()

	// In-memory eviction does not remove persisted records: the durable tier
	// has its own, independent capacity.
	if c.persister != nil {
		c.persister.Write(ctx, snapshot)
		c.persister.EvictOverCapacity(ctx)
	}
	c.logger.Debug().Str("key", key).Uint64("seq", snapshot.Seq).Msg("Fetch complete, cache updated.")
	pending.settle(data, nil)
}

// await blocks on a pending flight and then serves whatever the store holds.
func (c *Coordinator[V]) await(ctx context.Context, key string, pending *flight[V]) (Result[V], error) {
	var zero Result[V]
	if err := pending.wait(ctx); err != nil {
		return zero, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.store.Get(key)
	if !ok || !entry.HasData {
		return zero, ErrNoData
	}
	return Result[V]{
		Data:  entry.Data,
		Seq:   entry.Seq,
		Stale: entry.TierAt(c.clock.Now()) == TierStale,
	}, nil
}

// notify runs subscriber callbacks outside the coordinator lock.
func (c *Coordinator[V]) notify() {
	c.mu.Lock()
	fns := make([]func(), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
