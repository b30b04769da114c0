package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// RateLimiter counts remote calls per client in fixed hourly windows.
type RateLimiter struct {
	redis  *redis.Client
	limit  int64
	prefix string
}

func NewRateLimiter(rdb *redis.Client, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit, prefix: "clarity:ratelimit"}
}

func (r *RateLimiter) Allow(ctx context.Context, clientID string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, clientID, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= r.limit, res, windowEnd, nil
}

// SubmissionDeduplicator maps a client idempotency key to the first job id
// submitted with it.
type SubmissionDeduplicator struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewSubmissionDeduplicator(rdb *redis.Client, ttl time.Duration) *SubmissionDeduplicator {
	return &SubmissionDeduplicator{redis: rdb, ttl: ttl}
}

// Claim records jobID under key unless the key is already taken, in which
// case the earlier job id is returned with first=false.
func (d *SubmissionDeduplicator) Claim(ctx context.Context, key, jobID string) (existing string, first bool, err error) {
	rkey := "clarity:submission:" + key
	ok, err := d.redis.SetNX(ctx, rkey, jobID, d.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("dedupe setnx: %w", err)
	}
	if ok {
		return jobID, true, nil
	}
	prev, err := d.redis.Get(ctx, rkey).Result()
	if errors.Is(err, redis.Nil) {
		return jobID, true, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dedupe get: %w", err)
	}
	return prev, false, nil
}

var releaseIfOwnerScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Release frees key when it still points at jobID, so a submission that never
// reached the queue can be retried under the same key.
func (d *SubmissionDeduplicator) Release(ctx context.Context, key, jobID string) error {
	if err := releaseIfOwnerScript.Run(ctx, d.redis, []string{"clarity:submission:" + key}, jobID).Err(); err != nil {
		return fmt.Errorf("dedupe release: %w", err)
	}
	return nil
}
