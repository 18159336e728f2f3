// Package cache provides a small expiring key-value store backed by Redis.
//
// It is injected as an explicit dependency wherever short-lived lookups are
// worth keeping (shipping quotes per destination); there is no ambient
// process-wide singleton.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when the key is absent or expired.
var ErrNotFound = errors.New("cache: key not found")

// Cache wraps a Redis client with string get/set semantics and a TTL on
// every entry.
type Cache struct {
	rdb *redis.Client
}

// New creates a cache over the given Redis client.
func New(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Get returns the value stored under key, or ErrNotFound.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("cache get: %w", err)
	}
	return v, nil
}

// Set stores value under key for ttl.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}
