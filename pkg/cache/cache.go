// Package cache provides a generic, thread-safe cache whose entries expire
// when they have not been used for a configured time.
package cache

import (
	"context"
	"time"

	"github.com/c360/sigslot/errors"
)

// Cache is a keyed store of values of type V.
type Cache[V any] interface {
	// Get retrieves a value and refreshes its expiry.
	Get(key string) (V, bool)

	// Peek retrieves a value without refreshing its expiry.
	Peek(key string) (V, bool)

	// Set stores a value. Returns true if a new entry was created.
	Set(key string, value V) (bool, error)

	// Update applies fn to the stored value under the cache lock without
	// refreshing its expiry. It reports false when the key is absent.
	Update(key string, fn func(V) V) bool

	// Delete removes an entry without calling the eviction callback.
	Delete(key string) (bool, error)

	// Clear removes all entries, calling the eviction callback for each.
	Clear() error

	Size() int
	Keys() []string
	Stats() *Statistics

	// Close stops background expiry.
	Close() error
}

// EvictCallback is called when an entry expires or is cleared.
type EvictCallback[V any] func(key string, value V)

// NewTTL creates a cache whose entries expire ttl after their last use.
// Expired entries are removed every cleanupInterval until ctx is done or
// Close is called.
func NewTTL[V any](ctx context.Context, ttl, cleanupInterval time.Duration, options ...Option[V]) (Cache[V], error) {
	if ttl <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewTTL", "ttl must be positive")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = ttl / 2
	}
	return newTTLCache(ctx, ttl, cleanupInterval, applyOptions(options...))
}

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
