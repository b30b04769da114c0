package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Usage is tracked in a counter key next to the values so the budget check
// and the write happen in one script.
var setWithBudgetScript = redis.NewScript(`
local old = redis.call("STRLEN", KEYS[1])
local used = tonumber(redis.call("GET", KEYS[2]) or "0")
local size = string.len(ARGV[1])
local budget = tonumber(ARGV[2])
local total = used - old + size
if budget > 0 and total > budget then
  return -1
end
redis.call("SET", KEYS[1], ARGV[1])
redis.call("SET", KEYS[2], total)
return total
`)

var deleteWithUsageScript = redis.NewScript(`
local old = redis.call("STRLEN", KEYS[1])
if old == 0 and redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("DECRBY", KEYS[2], old)
return old
`)

type RedisKV struct {
	redis  *redis.Client
	prefix string
	budget int64
}

var _ KV = (*RedisKV)(nil)

func NewRedisKV(rdb *redis.Client, prefix string, budget int64) *RedisKV {
	if prefix == "" {
		prefix = "clarity:kv"
	}
	return &RedisKV{redis: rdb, prefix: prefix, budget: budget}
}

func (r *RedisKV) key(name string) string {
	return r.prefix + ":v:" + name
}

func (r *RedisKV) usageKey() string {
	return r.prefix + ":usage"
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	v, err := r.redis.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get %q: %w", key, err)
	}
	return v, nil
}

func (r *RedisKV) Set(ctx context.Context, key, value string) error {
	res, err := setWithBudgetScript.Run(ctx, r.redis, []string{r.key(key), r.usageKey()}, value, r.budget).Int64()
	if err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	if res < 0 {
		return ErrQuotaExceeded
	}
	return nil
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	if err := deleteWithUsageScript.Run(ctx, r.redis, []string{r.key(key), r.usageKey()}).Err(); err != nil {
		return fmt.Errorf("redis delete %q: %w", key, err)
	}
	return nil
}

func (r *RedisKV) Usage(ctx context.Context) (int64, error) {
	n, err := r.redis.Get(ctx, r.usageKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis usage: %w", err)
	}
	return n, nil
}
