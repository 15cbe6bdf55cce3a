// Package cache stores the last aggregated observation per airport. The
// stored observation is both what the API serves between refreshes and the
// fallback the next refresh merges against.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/airfield-weather/internal/models"
)

// Entry is one cached observation and when it was stored.
type Entry struct {
	Observation models.Observation `json:"observation"`
	StoredAt    time.Time          `json:"stored_at"`
}

// Age returns how long ago the entry was stored.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// Cache defines the interface for observation cache implementations.
// Get returns the entry if present and not expired, Set stores it with TTL.
type Cache interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, value Entry, ttl time.Duration) error
}

// InMemoryCache implements Cache using an in-memory map with TTL-based expiration.
// Expired entries are removed on access. Safe for concurrent use.
type InMemoryCache struct {
	mu   sync.Mutex
	data map[string]cacheEntry
	now  func() time.Time
}

// cacheEntry stores a cached entry with expiration timestamp.
type cacheEntry struct {
	value     Entry
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache instance.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]cacheEntry),
		now:  time.Now,
	}
}

// Get retrieves the cached entry for the key if present and not expired.
// Returns (entry, true, nil) on cache hit, (zero, false, nil) on miss or expiration.
// The returned observation is a deep copy.
func (c *InMemoryCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	if ctx.Err() != nil {
		return Entry{}, false, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.data[key]
	if !ok {
		return Entry{}, false, nil
	}

	if c.now().After(entry.expiresAt) {
		delete(c.data, key)
		return Entry{}, false, nil
	}

	out := entry.value
	out.Observation = out.Observation.Clone()
	return out, true, nil
}

// Set stores the entry with the specified TTL duration.
// Entry expires after TTL elapses and will be removed on next Get access.
func (c *InMemoryCache) Set(ctx context.Context, key string, value Entry, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	value.Observation = value.Observation.Clone()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = cacheEntry{
		value:     value,
		expiresAt: c.now().Add(ttl),
	}
	return nil
}
