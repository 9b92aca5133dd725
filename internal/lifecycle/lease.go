package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease grants one router replica the right to run a sync pass.
type Lease interface {
	// Acquire reports whether the caller holds key for ttl.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisLease implements Lease with SET NX.
type RedisLease struct {
	client redis.Cmdable
	owner  string
}

// NewRedisLease creates a lease held under owner.
func NewRedisLease(client redis.Cmdable, owner string) *RedisLease {
	return &RedisLease{client: client, owner: owner}
}

// Acquire implements Lease.
func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	return ok, nil
}

// NewRedisClient connects to the Redis server at url.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}
