// Package cache provides a Redis-backed response cache for immutable Bungie
// documents. Post game carnage reports never change once issued, so cache
// hits save both a rate limit token and a network round trip.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is corrupted.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Entry is a cached response body.
type Entry struct {
	// Data is the response content (envelope already unwrapped).
	Data json.RawMessage `json:"data"`

	// CachedAt is when we stored this entry.
	CachedAt time.Time `json:"cached_at"`
}

// Manager handles caching operations with a Redis backend.
type Manager struct {
	redis *redis.Client
}

// NewManager creates a cache manager with a Redis backend.
func NewManager(redisClient *redis.Client) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Manager{
		redis: redisClient,
	}
}

// Get retrieves a cache entry by key.
// Returns ErrCacheMiss if the key doesn't exist.
func (m *Manager) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := m.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	CacheHits.WithLabelValues("redis").Inc()
	return &entry, nil
}

// Set stores a cache entry with the given TTL. A non-positive TTL stores
// the entry without expiry.
func (m *Manager) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if ttl < 0 {
		ttl = 0
	}

	if err := m.redis.Set(ctx, key, data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	CacheSize.WithLabelValues("redis").Add(float64(len(data)))
	return nil
}

// Delete removes a cache entry.
func (m *Manager) Delete(ctx context.Context, key string) error {
	if err := m.redis.Del(ctx, key).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
