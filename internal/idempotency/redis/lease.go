package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const DefaultSweepLeaseKey = "idempotency:sweep:lease"

// Lease is a single-holder Redis lock with a TTL. It only keeps replicas
// from doing the same housekeeping twice; correctness never depends on it.
type Lease struct {
	Client *redis.Client
	Key    string
	TTL    time.Duration
}

func NewLease(client *redis.Client, key string, ttl time.Duration) *Lease {
	if key == "" {
		key = DefaultSweepLeaseKey
	}
	return &Lease{Client: client, Key: key, TTL: ttl}
}

// Acquire reports whether owner now holds the lease.
func (l *Lease) Acquire(ctx context.Context, owner string) (bool, error) {
	ok, err := l.Client.SetNX(ctx, l.Key, owner, l.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.Key, err)
	}
	return ok, nil
}

// Release drops the lease if owner still holds it.
func (l *Lease) Release(ctx context.Context, owner string) error {
	val, err := l.Client.Get(ctx, l.Key).Result()
	if err == redis.Nil {
		return nil // already expired
	}
	if err != nil {
		return fmt.Errorf("read lease %s: %w", l.Key, err)
	}
	if val != owner {
		return nil
	}
	return l.Client.Del(ctx, l.Key).Err()
}
