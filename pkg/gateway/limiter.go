package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// BudgetPolicy bounds an agent's call rate through the gateway.
type BudgetPolicy struct {
	RPM   int // sustained calls per minute
	Burst int // bucket capacity
}

// Limiter answers whether an agent may spend the given call cost now.
type Limiter interface {
	Allow(ctx context.Context, agentID string, policy BudgetPolicy, cost int) (bool, error)
}

// tokenBucketScript runs the token bucket atomically in Redis so budget
// accounting holds across gateway instances.
// KEYS[1] = bucket key, ARGV = rate/sec, capacity, cost, now (unix seconds).
var tokenBucketScript = redis.NewScript(`
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
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
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

// RedisLimiter is the shared budget store for multi-instance deployments.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter creates a limiter backed by Redis.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

// Allow executes the Lua script against the agent's bucket.
func (l *RedisLimiter) Allow(ctx context.Context, agentID string, policy BudgetPolicy, cost int) (bool, error) {
	key := fmt.Sprintf("meridian:budget:%s", agentID)

	ratePerSec := float64(policy.RPM) / 60.0
	if ratePerSec <= 0 {
		ratePerSec = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, l.client, []string{key}, ratePerSec, policy.Burst, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("invalid response from lua script")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

// LocalLimiter keeps per-agent token buckets in process. Used when no Redis
// is configured; budgets are then per-instance.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLocalLimiter creates an in-process limiter.
func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{buckets: make(map[string]*rate.Limiter)}
}

// Allow implements Limiter with x/time token buckets.
func (l *LocalLimiter) Allow(_ context.Context, agentID string, policy BudgetPolicy, cost int) (bool, error) {
	l.mu.Lock()
	bucket, ok := l.buckets[agentID]
	if !ok {
		ratePerSec := rate.Limit(float64(policy.RPM) / 60.0)
		if ratePerSec <= 0 {
			ratePerSec = 1
		}
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		bucket = rate.NewLimiter(ratePerSec, burst)
		l.buckets[agentID] = bucket
	}
	l.mu.Unlock()

	return bucket.AllowN(time.Now(), cost), nil
}
