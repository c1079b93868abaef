// Package cache provides a generic, thread-safe TTL cache with built-in
// statistics and optional Prometheus metrics.
package cache

import (
	"context"
	"time"

	"github.com/c360/streambus/errors"
)

// Cache is the interface of the expiring cache.
type Cache[V any] interface {
	// Get retrieves a live value by key.
	Get(key string) (V, bool)

	// Set stores a value under the default TTL. Returns true if a new entry
	// was created, false if updated.
	Set(key string, value V) (bool, error)

	// SetUntil stores a value that expires at the given time.
	SetUntil(key string, value V, expiresAt time.Time) (bool, error)

	// Delete removes an entry by key. Returns true if the key existed.
	Delete(key string) (bool, error)

	// Clear removes all entries.
	Clear() error

	// Size returns the number of entries, expired ones not yet collected
	// included.
	Size() int

	// Keys returns the keys of live entries.
	Keys() []string

	// Stats returns cache statistics.
	Stats() *Statistics

	// Close stops the background cleanup goroutine.
	Close() error
}

// EvictCallback is called when an entry is evicted from the cache.
type EvictCallback[V any] func(key string, value V)

// NewTTL creates a cache whose entries expire ttl after they were set. Expired
// entries are collected every cleanupInterval until ctx ends or Close is
// called.
func NewTTL[V any](ctx context.Context, ttl, cleanupInterval time.Duration, options ...Option[V]) (Cache[V], error) {
	if ttl <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewTTL", "ttl must be positive")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = ttl
	}
	return newTTLCache(ctx, ttl, cleanupInterval, applyOptions(options...))
}

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
