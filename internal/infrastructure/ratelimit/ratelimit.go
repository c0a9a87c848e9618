// Package ratelimit implements a Redis-backed token bucket shared by every
// DCP instance. The bucket state lives in one Redis hash per key and is
// updated atomically by a Lua script.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nerrad567/dcp-core/internal/infrastructure/config"
)

// keyPrefix namespaces every bucket key.
const keyPrefix = "dcp:ratelimit:"

// pingTimeout bounds the startup connectivity check.
const pingTimeout = 2 * time.Second

// bucketScript refills the bucket by whole intervals, then takes one token.
// Returns {allowed, remaining, retry_after_ms}.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local interval_ms = tonumber(ARGV[3])
local ttl_seconds = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if tokens == nil or last_refill == nil then
    tokens = capacity
    last_refill = now_ms
end

if interval_ms > 0 then
    local elapsed = math.max(0, now_ms - last_refill)
    local intervals = math.floor(elapsed / interval_ms)
    if intervals > 0 then
        tokens = math.min(capacity, tokens + intervals)
        last_refill = last_refill + (intervals * interval_ms)
    end
end

local allowed = 0
local retry_after_ms = 0
if tokens > 0 then
    allowed = 1
    tokens = tokens - 1
else
    retry_after_ms = math.max(0, interval_ms - (now_ms - last_refill))
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
redis.call('EXPIRE', key, ttl_seconds)

return { allowed, tokens, retry_after_ms }
`)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter is a distributed token bucket: Burst tokens, refilled at
// RequestsPerMinute.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Limiter struct {
	rdb      redis.Scripter
	capacity int
	interval time.Duration
	now      func() time.Time
}

// New creates a limiter on rdb. A zero burst means a bucket as large as the
// per-minute rate.
func New(rdb redis.Scripter, requestsPerMinute, burst int) *Limiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 1
	}
	if burst <= 0 {
		burst = requestsPerMinute
	}
	return &Limiter{
		rdb:      rdb,
		capacity: burst,
		interval: time.Minute / time.Duration(requestsPerMinute),
		now:      time.Now,
	}
}

// Connect opens the Redis client described by cfg and verifies it with a
// ping. The caller owns the returned client.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Allow takes one token from the bucket for key. On a Redis error the
// decision is Allowed and the error is returned for logging; a limiter
// outage must not lock users out.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	open := Decision{Allowed: true, Limit: l.capacity, Remaining: l.capacity}

	keys := []string{keyPrefix + key}
	ttl := int64((l.interval*time.Duration(l.capacity))/time.Second) + 1
	args := []interface{}{l.now().UnixMilli(), l.capacity, l.interval.Milliseconds(), ttl}

	res, err := bucketScript.Run(ctx, l.rdb, keys, args...).Result()
	if err != nil {
		return open, fmt.Errorf("running rate limit script: %w", err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return open, fmt.Errorf("unexpected rate limit result %#v", res)
	}

	return Decision{
		Allowed:    asInt64(arr[0]) == 1,
		Limit:      l.capacity,
		Remaining:  int(asInt64(arr[1])),
		RetryAfter: time.Duration(asInt64(arr[2])) * time.Millisecond,
	}, nil
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64) //nolint:errcheck // zero on garbage
		return n
	default:
		return 0
	}
}
