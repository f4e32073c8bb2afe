package httpapi

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisTokenBucketScript mirrors the teacher's per-actor token bucket:
// KEYS[1] bucket key, ARGV[1] refill rate/sec, ARGV[2] capacity,
// ARGV[3] cost, ARGV[4] now (unix seconds, float).
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)
return {allowed, tokens}
`)

// RedisLimiter enforces a distributed token bucket per actor (API key).
// On any Redis error it falls back to a local in-process limiter so a
// Redis outage degrades rate limiting rather than blocking all traffic.
type RedisLimiter struct {
	client   *redis.Client
	rps      float64
	burst    int
	fallback *LocalLimiter
}

func NewRedisLimiter(client *redis.Client, rps float64, burst int) *RedisLimiter {
	return &RedisLimiter{client: client, rps: rps, burst: burst, fallback: NewLocalLimiter(rps, burst)}
}

func (l *RedisLimiter) Allow(ctx context.Context, actorID string) (bool, error) {
	key := fmt.Sprintf("signet-gw:limiter:%s", actorID)
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, l.client, []string{key}, l.rps, l.burst, 1, now).Result()
	if err != nil {
		return l.fallback.Allow(ctx, actorID)
	}
	results, ok := res.([]any)
	if !ok || len(results) != 2 {
		return l.fallback.Allow(ctx, actorID)
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
