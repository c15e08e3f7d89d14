package ratelimit

import (
	"context"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills KEYS[1] up to ARGV[1] (capacity) at ARGV[2]
// tokens/sec, and consumes one token if available. State is stored as a
// hash of {tokens, updated_at_ms} so the bucket survives across calls
// without a background refill goroutine anywhere in the fleet.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('HMGET', key, 'tokens', 'updated_at')
local tokens = tonumber(state[1])
local updatedAt = tonumber(state[2])

if tokens == nil then
  tokens = capacity
  updatedAt = now
end

local elapsed = math.max(0, now - updatedAt)
tokens = math.min(capacity, tokens + elapsed * rate / 1000.0)

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', key, 'tokens', tokens, 'updated_at', now)
redis.call('PEXPIRE', key, 60000)
return allowed
`)

// RedisLimiter is a distributed token bucket shared by every dispatcher
// process, so rate_limit_per_second is enforced fleet-wide, not just
// per-process.
type RedisLimiter struct {
	rdb      *redis.Client
	key      string
	capacity int
	rate     int
	now      func() time.Time
}

func NewRedisLimiter(rdb *redis.Client, key string, ratePerSecond int) *RedisLimiter {
	return &RedisLimiter{
		rdb:      rdb,
		key:      key,
		capacity: ratePerSecond,
		rate:     ratePerSecond,
		now:      time.Now,
	}
}

func (l *RedisLimiter) Acquire(ctx context.Context) error {
	for {
		ok, err := l.tryAcquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		jitter := time.Duration(rand.Int63n(int64(pollInterval)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval/2 + jitter):
		}
	}
}

func (l *RedisLimiter) tryAcquire(ctx context.Context) (bool, error) {
	res, err := tokenBucketScript.Run(ctx, l.rdb, []string{l.key}, l.capacity, l.rate, l.now().UnixMilli()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
