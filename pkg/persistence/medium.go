// Package persistence mirrors qualifying cache entries into a durable
// key/value medium so they survive a reload within the same session, and
// rehydrates the in-memory store on startup. Persistence is an optimization,
// never a correctness requirement: every medium failure degrades to
// memory-only behavior.
package persistence

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Medium.Get for absent keys.
var ErrNotFound = errors.New("key not found in medium")

// Medium is a string-keyed, string-valued durable store. The medium may be
// shared with other uses of the same storage space; implementations that sit
// on shared infrastructure namespace their keys with a prefix.
type Medium interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string) error
	Delete(ctx context.Context, key string) error
	// Keys lists every key currently held by the medium, in no particular
	// order.
	Keys(ctx context.Context) ([]string, error)
}
