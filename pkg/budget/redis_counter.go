package budget

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// redisCmds is the subset of redis.Cmdable used by RedisCounter.
type redisCmds interface {
	IncrBy(ctx context.Context, key string, value int64) *redis.IntCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisCounter implements Counter with Redis INCRBY, shared across processes.
type RedisCounter struct {
	client redisCmds
	key    string
}

// NewRedisCounter creates a counter backed by a new Redis client.
func NewRedisCounter(addr, password string, db int, scope string) *RedisCounter {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisCounterWithClient(rdb, scope)
}

// NewRedisCounterWithClient wraps an existing client (or cluster client).
func NewRedisCounterWithClient(client redisCmds, scope string) *RedisCounter {
	return &RedisCounter{client: client, key: fmt.Sprintf("icgl:budget:%s", scope)}
}

func (c *RedisCounter) Add(ctx context.Context, amount int64) (int64, error) {
	total, err := c.client.IncrBy(ctx, c.key, amount).Result()
	if err != nil {
		return 0, fmt.Errorf("redis budget incr: %w", err)
	}
	return total, nil
}

func (c *RedisCounter) Load(ctx context.Context) (int64, error) {
	v, err := c.client.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis budget get: %w", err)
	}
	total, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis budget value %q: %w", v, err)
	}
	return total, nil
}

func (c *RedisCounter) Reset(ctx context.Context) error {
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		return fmt.Errorf("redis budget reset: %w", err)
	}
	return nil
}
