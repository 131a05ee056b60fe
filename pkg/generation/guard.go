// Package generation provides per-stream monotonic counters that let UI
// consumers discard request completions that arrive out of order. It is
// layered on top of the cache's per-key dedup: the coordinator dedupes
// identical keys, the guard discards stale results when the key itself
// changes faster than the network responds.
package generation

import (
	"sync"
)

// Guard owns one counter per logical consumer-side stream (for example, "the
// daily view currently on screen"). The protocol for issuing a request:
//
//	seq := guard.Next("daily")
//	result, err := fetch(...)
//	if guard.Latest("daily", seq) {
//	    // apply result (or error) to visible state
//	}
//
// Only the response matching the latest request is ever applied, regardless
// of network completion order.
type Guard struct {
	mu      sync.Mutex
	streams map[string]uint64
}

// NewGuard creates an empty Guard.
func NewGuard() *Guard {
	return &Guard{streams: make(map[string]uint64)}
}

// Next increments the stream's counter and returns the new value. Call it
// once per issued request and capture the result.
func (g *Guard) Next(stream string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.streams[stream]++
	return g.streams[stream]
}

// Current returns the stream's current counter without advancing it.
func (g *Guard) Current(stream string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.streams[stream]
}

// Latest reports whether seq still equals the stream's current counter, i.e.
// whether no newer request for the stream has been issued since.
func (g *Guard) Latest(stream string, seq uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.streams[stream] == seq
}

// Drop forgets the stream's counter, for consumers tearing down.
func (g *Guard) Drop(stream string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.streams, stream)
}
