package effectmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// DispatchPolicy bounds adapter dispatch for one effect kind.
type DispatchPolicy struct {
	// PerSecond is the sustained dispatch rate; 0 means unlimited.
	PerSecond float64
	// Burst is the bucket capacity.
	Burst int
	// Parallelism caps concurrent adapter executions of this kind.
	Parallelism int
}

// LimiterStore abstracts the token-bucket storage so dispatch limits can be
// enforced locally or across processes via Redis.
type LimiterStore interface {
	// Wait blocks until one dispatch token for kind is available or ctx ends.
	Wait(ctx context.Context, kind string, policy DispatchPolicy) error
}

// LocalLimiter enforces per-kind rates with in-process token buckets.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLocalLimiter creates an in-process limiter store.
func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{buckets: make(map[string]*rate.Limiter)}
}

// Wait implements LimiterStore.
func (l *LocalLimiter) Wait(ctx context.Context, kind string, policy DispatchPolicy) error {
	if policy.PerSecond <= 0 {
		return nil
	}
	l.mu.Lock()
	bucket, ok := l.buckets[kind]
	if !ok {
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		bucket = rate.NewLimiter(rate.Limit(policy.PerSecond), burst)
		l.buckets[kind] = bucket
	}
	l.mu.Unlock()
	return bucket.Wait(ctx)
}

// redisTokenBucketScript runs the token bucket atomically in Redis.
// KEYS[1] = bucket key, ARGV[1] = refill rate/s, ARGV[2] = capacity,
// ARGV[3] = cost, ARGV[4] = now (unix seconds, fractional).
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

return allowed
`)

// RedisLimiter enforces per-kind rates across processes sharing one world's
// adapters.
type RedisLimiter struct {
	client    redis.UniversalClient
	keyPrefix string
	// retryEvery paces polling when the bucket is empty.
	retryEvery time.Duration
}

// NewRedisLimiter creates a Redis-backed limiter store.
func NewRedisLimiter(client redis.UniversalClient, keyPrefix string) *RedisLimiter {
	if keyPrefix == "" {
		keyPrefix = "aos:dispatch:"
	}
	return &RedisLimiter{client: client, keyPrefix: keyPrefix, retryEvery: 50 * time.Millisecond}
}

// Wait implements LimiterStore.
func (l *RedisLimiter) Wait(ctx context.Context, kind string, policy DispatchPolicy) error {
	if policy.PerSecond <= 0 {
		return nil
	}
	capacity := policy.Burst
	if capacity <= 0 {
		capacity = 1
	}
	key := l.keyPrefix + kind
	for {
		now := float64(time.Now().UnixMicro()) / 1e6
		res, err := redisTokenBucketScript.Run(ctx, l.client, []string{key},
			policy.PerSecond, capacity, 1, now).Int64()
		if err != nil {
			return fmt.Errorf("effectmgr: redis limiter: %w", err)
		}
		if res == 1 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryEvery):
		}
	}
}
