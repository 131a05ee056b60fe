package freshness

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Policy controls the freshness tiers for a single fetch. It is supplied per
// call, not stored globally, so different keys may use different rules (e.g.
// "today" data is refreshed more aggressively than historical data).
type Policy struct {
	// TTL is the hard time-to-live: past it, cached data is not returned for
	// data purposes at all.
	TTL time.Duration
	// SoftTTL is the point after which cached data is still returned but
	// triggers a background refresh. Zero or >= TTL disables the stale tier.
	SoftTTL time.Duration
}

func (p Policy) validate() error {
	if p.TTL <= 0 {
		return fmt.Errorf("policy TTL must be greater than 0")
	}
	if p.SoftTTL < 0 {
		return fmt.Errorf("policy SoftTTL must not be negative")
	}
	return nil
}

// softTTL returns the effective soft TTL, clamped into (0, TTL].
func (p Policy) softTTL() time.Duration {
	if p.SoftTTL <= 0 || p.SoftTTL > p.TTL {
		return p.TTL
	}
	return p.SoftTTL
}

// Tier classifies an entry's usefulness at a point in time.
type Tier int

const (
	// TierNone means no data has ever been fetched for the entry.
	TierNone Tier = iota
	// TierFresh means the data is within its soft TTL.
	TierFresh
	// TierStale means the data is past its soft TTL but within its hard TTL.
	TierStale
	// TierExpired means the data is past its hard TTL and must not be served
	// except through explicitly stale-tolerant reads.
	TierExpired
)

// Entry is one cached record. Entries are created on first fetch or
// rehydration and mutated only by the Coordinator.
type Entry[V any] struct {
	Key string

	Data    V
	HasData bool

	FetchedAt     time.Time
	SoftExpiresAt time.Time
	ExpiresAt     time.Time

	// Seq is a process-wide monotonically increasing value assigned when the
	// entry was last written, letting late callers detect that a newer value
	// superseded theirs.
	Seq uint64

	// pending is the at-most-one outstanding fetch for this key. Owned by the
	// Coordinator; nil when no fetch is in flight.
	pending *flight[V]
}

// TierAt reports which freshness tier the entry occupies at the given time.
func (e *Entry[V]) TierAt(now time.Time) Tier {
	switch {
	case !e.HasData:
		return TierNone
	case now.Before(e.SoftExpiresAt):
		return TierFresh
	case now.Before(e.ExpiresAt):
		return TierStale
	default:
		return TierExpired
	}
}

var seqCounter atomic.Uint64

// nextSeq issues the next process-wide write sequence number.
func nextSeq() uint64 {
	return seqCounter.Add(1)
}
