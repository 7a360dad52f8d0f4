package cache

import (
	"context"
	"errors"
	"time"
)

var ErrCacheMiss = errors.New("cache miss")

type Cache interface {
	Get(ctx context.Context, key string) (any, error)

	Set(ctx context.Context, key string, value any) error

	SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) error

	Delete(ctx context.Context, key string) error

	GetTTL(ctx context.Context, key string) (time.Duration, error)

	GetStats(ctx context.Context) (*CacheStats, error)

	Close() error
}

type CacheStats struct {
	Connected bool   `json:"connected"`
	Items     int    `json:"items"`
	Expired   int    `json:"expired"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	MaxSize   int    `json:"max_size"`
}

// Remember returns the cached value for key, calling load and caching its
// result for ttl on a miss. The bool reports a cache hit. Load errors are
// not cached.
func Remember[T any](ctx context.Context, c Cache, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, bool, error) {
	if value, err := c.Get(ctx, key); err == nil {
		if typed, ok := value.(T); ok {
			return typed, true, nil
		}
	}

	value, err := load(ctx)
	if err != nil {
		var zero T
		return zero, false, err
	}
	if err := c.SetWithTTL(ctx, key, value, ttl); err != nil {
		return value, false, err
	}
	return value, false, nil
}
