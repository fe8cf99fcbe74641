// Package cache implements the Redis-resident binary cache.
//
// Two keys co-reside per binary: the byte blob at /binaries/<sha256> and an
// integer refcount at /binaries/<sha256>/refcount. The refcount counts the
// analysis jobs that still need the bytes; the cache entry is evicted when
// it reaches zero. Redis DECR is atomic, so exactly one decrementer observes
// zero — that is the synchronization primitive for eviction.
package cache

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("cache: key not found")

// Cache wraps the Redis client behind the operations the pipeline needs.
type Cache struct {
	client *goredis.Client
}

// New creates a cache from a Redis connection URL.
// Format: redis://[:password@]host:port[/db]
func New(url string) (*Cache, error) {
	if url == "" {
		return nil, errors.New("cache requires a redis URL")
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: invalid redis URL: %w", err)
	}
	return &Cache{client: goredis.NewClient(opts)}, nil
}

// NewWithClient wraps an existing client. Used by tests and by callers that
// share a connection with the queue substrate.
func NewWithClient(client *goredis.Client) *Cache {
	return &Cache{client: client}
}

// Set stores bytes under key.
func (c *Cache) Set(ctx context.Context, key string, data []byte) error {
	if err := c.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// Get returns the bytes stored under key, or ErrNotFound.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the given keys. Missing keys are not an error.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: delete %v: %w", keys, err)
	}
	return nil
}

// SetCount stores an integer counter under key.
func (c *Cache) SetCount(ctx context.Context, key string, n int64) error {
	if err := c.client.Set(ctx, key, n, 0).Err(); err != nil {
		return fmt.Errorf("cache: set count %s: %w", key, err)
	}
	return nil
}

// IncrCount atomically increments the counter at key and returns the new
// value.
func (c *Cache) IncrCount(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: incr %s: %w", key, err)
	}
	return n, nil
}

// DecrCount atomically decrements the counter at key and returns the new
// value.
func (c *Cache) DecrCount(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Decr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: decr %s: %w", key, err)
	}
	return n, nil
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	return c.client.Close()
}
