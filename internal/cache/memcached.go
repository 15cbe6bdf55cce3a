package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const keyPrefix = "airfield:obs:"

// maxRelativeExp is the longest relative memcached expiry (30 days); longer
// values are read as absolute unix times.
const maxRelativeExp = 30 * 24 * time.Hour

// MemcachedCache stores observations in memcached as JSON.
type MemcachedCache struct {
	client *memcache.Client
}

// MemcachedOptions configures the memcached client. Addrs is comma-separated;
// zero Timeout and MaxIdleConns keep the gomemcache defaults.
type MemcachedOptions struct {
	Addrs        string
	Timeout      time.Duration
	MaxIdleConns int
}

// NewMemcachedCache resolves the server list up front, so a malformed address
// fails at startup rather than on the first Get.
func NewMemcachedCache(opts MemcachedOptions) (*MemcachedCache, error) {
	servers := parseAddrs(opts.Addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	var selector memcache.ServerList
	if err := selector.SetServers(servers...); err != nil {
		return nil, fmt.Errorf("memcached servers %v: %w", servers, err)
	}

	client := memcache.NewFromSelector(&selector)
	if opts.Timeout > 0 {
		client.Timeout = opts.Timeout
	}
	if opts.MaxIdleConns > 0 {
		client.MaxIdleConns = opts.MaxIdleConns
	}
	return &MemcachedCache{client: client}, nil
}

func parseAddrs(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
}

func cacheKey(k string) string {
	return keyPrefix + k
}

func encodeEntry(e Entry) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("cache encode: %w", err)
	}
	return raw, nil
}

func decodeEntry(raw []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("cache decode: %w", err)
	}
	return e, nil
}

// clampTTL keeps ttl within what the backends accept; invalid values fall back to 1h.
func clampTTL(ttl time.Duration) time.Duration {
	if ttl < time.Second || ttl > maxRelativeExp {
		return time.Hour
	}
	return ttl
}

// Get returns ok=false with a nil error on a miss.
func (c *MemcachedCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	if ctx.Err() != nil {
		return Entry{}, false, ctx.Err()
	}
	item, err := c.client.Get(cacheKey(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	e, err := decodeEntry(item.Value)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (c *MemcachedCache) Set(ctx context.Context, key string, value Entry, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := encodeEntry(value)
	if err != nil {
		return err
	}
	return c.client.Set(&memcache.Item{
		Key:        cacheKey(key),
		Value:      raw,
		Expiration: int32(clampTTL(ttl).Seconds()),
	})
}

// Ping reports whether every configured server answers.
func (c *MemcachedCache) Ping(ctx context.Context) error {
	return c.client.Ping()
}

func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
