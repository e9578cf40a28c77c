package quota

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounters implements CounterStore on Redis. INCR is atomic on the
// server, so the read-check and the increment are a single operation.
type RedisCounters struct {
	client *redis.Client
}

// NewRedisCounters wraps an existing Redis client.
func NewRedisCounters(client *redis.Client) *RedisCounters {
	return &RedisCounters{client: client}
}

// Increment bumps the counter and pins its expiry in one round trip.
func (c *RedisCounters) Increment(ctx context.Context, key string, expireAt time.Time) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireAt(ctx, key, expireAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Decrement gives one unit back.
func (c *RedisCounters) Decrement(ctx context.Context, key string) error {
	return c.client.Decr(ctx, key).Err()
}

// AddCost accrues fractional cost.
func (c *RedisCounters) AddCost(ctx context.Context, key string, amount float64, expireAt time.Time) error {
	pipe := c.client.TxPipeline()
	pipe.IncrByFloat(ctx, key, amount)
	pipe.ExpireAt(ctx, key, expireAt)
	_, err := pipe.Exec(ctx)
	return err
}

var _ CounterStore = (*RedisCounters)(nil)
