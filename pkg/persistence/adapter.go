package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-freshness/pkg/freshness"
)

// snapshot is the durable record for one persisted key.
type snapshot[V any] struct {
	Data          V         `json:"data"`
	FetchedAt     time.Time `json:"fetchedAt"`
	SoftExpiresAt time.Time `json:"softExpiresAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	Seq           uint64    `json:"seq"`
}

// AdapterConfig holds configuration for an Adapter.
type AdapterConfig struct {
	// Namespaces lists the cache-key namespaces worth persisting. A key
	// qualifies when it starts with "<namespace>:". At least one is required;
	// ephemeral namespaces simply go unlisted.
	Namespaces []string
	// MaxRecords caps the number of persisted records, independent of the
	// in-memory cap. Oldest by fetchedAt are evicted first. Defaults to 50.
	MaxRecords int
	// Clock is the time source for expiry checks. Defaults to the real clock.
	Clock clockwork.Clock
}

// Adapter mirrors namespace-qualified entries into a Medium and rehydrates
// them on startup. Every medium failure is swallowed after logging: the cache
// continues memory-only. Adapter implements freshness.Persister.
type Adapter[V any] struct {
	namespaces []string
	maxRecords int
	medium     Medium
	clock      clockwork.Clock
	logger     zerolog.Logger
}

// NewAdapter creates an Adapter over the given medium.
func NewAdapter[V any](cfg AdapterConfig, medium Medium, logger zerolog.Logger) (*Adapter[V], error) {
	if medium == nil {
		return nil, fmt.Errorf("medium cannot be nil")
	}
	if len(cfg.Namespaces) == 0 {
		return nil, fmt.Errorf("at least one durable namespace is required")
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 50
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Adapter[V]{
		namespaces: cfg.Namespaces,
		maxRecords: cfg.MaxRecords,
		medium:     medium,
		clock:      cfg.Clock,
		logger:     logger.With().Str("component", "PersistenceAdapter").Logger(),
	}, nil
}

// Write mirrors entry into the medium if its key qualifies. Entries without
// data or already past their hard TTL are never persisted.
func (a *Adapter[V]) Write(ctx context.Context, entry freshness.Entry[V]) {
	if !entry.HasData || !a.qualifies(entry.Key) {
		return
	}
	if !a.clock.Now().Before(entry.ExpiresAt) {
		return
	}
	record, err := json.Marshal(snapshot[V]{
		Data:          entry.Data,
		FetchedAt:     entry.FetchedAt,
		SoftExpiresAt: entry.SoftExpiresAt,
		ExpiresAt:     entry.ExpiresAt,
		Seq:           entry.Seq,
	})
	if err != nil {
		a.logger.Error().Err(err).Str("key", entry.Key).Msg("Failed to marshal snapshot.")
		return
	}
	if err := a.medium.Set(ctx, entry.Key, string(record)); err != nil {
		a.logger.Warn().Err(err).Str("key", entry.Key).Msg("Failed to persist entry, continuing memory-only.")
	}
}

// Delete removes the persisted record for key, if any.
func (a *Adapter[V]) Delete(ctx context.Context, key string) {
	if !a.qualifies(key) {
		return
	}
	if err := a.medium.Delete(ctx, key); err != nil {
		a.logger.Warn().Err(err).Str("key", key).Msg("Failed to delete persisted entry.")
	}
}

// Clear removes every persisted record.
func (a *Adapter[V]) Clear(ctx context.Context) {
	keys, err := a.medium.Keys(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to list persisted entries for clear.")
		return
	}
	for _, key := range keys {
		if !a.qualifies(key) {
			continue
		}
		if err := a.medium.Delete(ctx, key); err != nil {
			a.logger.Warn().Err(err).Str("key", key).Msg("Failed to delete persisted entry.")
		}
	}
}

// Hydrate loads every persisted record that is still within its hard TTL.
// Records past expiry are dropped from the medium rather than loaded.
func (a *Adapter[V]) Hydrate(ctx context.Context) map[string]freshness.Entry[V] {
	entries := make(map[string]freshness.Entry[V])
	now := a.clock.Now()
	for key, record := range a.records(ctx) {
		if !now.Before(record.ExpiresAt) {
			if err := a.medium.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
				a.logger.Warn().Err(err).Str("key", key).Msg("Failed to drop expired persisted entry.")
			}
			continue
		}
		entries[key] = freshness.Entry[V]{
			Key:           key,
			Data:          record.Data,
			HasData:       true,
			FetchedAt:     record.FetchedAt,
			SoftExpiresAt: record.SoftExpiresAt,
			ExpiresAt:     record.ExpiresAt,
			Seq:           record.Seq,
		}
	}
	a.logger.Debug().Int("entries", len(entries)).Msg("Hydrated persisted entries.")
	return entries
}

// EvictOverCapacity removes the oldest records by fetchedAt until the medium
// is back under MaxRecords.
func (a *Adapter[V]) EvictOverCapacity(ctx context.Context) {
	records := a.records(ctx)
	if len(records) <= a.maxRecords {
		return
	}
	type aged struct {
		key       string
		fetchedAt time.Time
	}
	order := make([]aged, 0, len(records))
	for key, record := range records {
		order = append(order, aged{key: key, fetchedAt: record.FetchedAt})
	}
	sort.Slice(order, func(i, j int) bool { return order[i].fetchedAt.Before(order[j].fetchedAt) })
	for _, victim := range order[:len(order)-a.maxRecords] {
		if err := a.medium.Delete(ctx, victim.key); err != nil {
			a.logger.Warn().Err(err).Str("key", victim.key).Msg("Failed to evict persisted entry.")
		}
	}
}

// Sweep drops hard-expired records so long-lived sessions do not accumulate
// dead snapshots between hydrations.
func (a *Adapter[V]) Sweep(ctx context.Context) {
	now := a.clock.Now()
	for key, record := range a.records(ctx) {
		if now.Before(record.ExpiresAt) {
			continue
		}
		if err := a.medium.Delete(ctx, key); err != nil {
			a.logger.Warn().Err(err).Str("key", key).Msg("Failed to sweep expired persisted entry.")
		}
	}
}

// records reads and decodes every qualifying record currently persisted.
// Undecodable records are deleted: they can never be hydrated.
func (a *Adapter[V]) records(ctx context.Context) map[string]snapshot[V] {
	keys, err := a.medium.Keys(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to list persisted entries.")
		return nil
	}
	records := make(map[string]snapshot[V])
	for _, key := range keys {
		if !a.qualifies(key) {
			continue
		}
		raw, err := a.medium.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				a.logger.Warn().Err(err).Str("key", key).Msg("Failed to read persisted entry.")
			}
			continue
		}
		var record snapshot[V]
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			a.logger.Warn().Err(err).Str("key", key).Msg("Dropping undecodable persisted entry.")
			_ = a.medium.Delete(ctx, key)
			continue
		}
		records[key] = record
	}
	return records
}

func (a *Adapter[V]) qualifies(key string) bool {
	for _, namespace := range a.namespaces {
		if strings.HasPrefix(key, namespace+":") {
			return true
		}
	}
	return false
}
