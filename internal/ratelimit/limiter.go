package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config sizes one bucket family. A capacity of N refilled every window keeps
// sustained throughput at N per window while allowing short bursts up to N.
type Config struct {
	Capacity       int
	RefillTokens   int
	RefillInterval time.Duration
	TTL            time.Duration
}

// PerWindow is the common shape: capacity tokens, fully refilled each window.
func PerWindow(capacity int, window time.Duration) Config {
	return Config{
		Capacity:       capacity,
		RefillTokens:   capacity,
		RefillInterval: window,
		TTL:            2 * window,
	}
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter is a Redis-backed token bucket keyed by (actor, action). Keys carry
// a TTL so abandoned buckets age out on their own. A nil Limiter or a nil
// Redis client always allows; rate limiting degrades open, never closed.
type Limiter struct {
	rdb    *redis.Client
	cfg    Config
	prefix string
	script *redis.Script
}

var bucketScript = redis.NewScript(`
	local key = KEYS[1]
	local now_ms = tonumber(ARGV[1])
	local capacity = tonumber(ARGV[2])
	local refill_tokens = tonumber(ARGV[3])
	local interval_ms = tonumber(ARGV[4])
	local ttl_seconds = tonumber(ARGV[5])

	local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
	local tokens = tonumber(state[1])
	local last_refill = tonumber(state[2])

	if tokens == nil or last_refill == nil then
		tokens = capacity
		last_refill = now_ms
	end

	if interval_ms > 0 and refill_tokens > 0 then
		local elapsed = math.max(0, now_ms - last_refill)
		local intervals = math.floor(elapsed / interval_ms)
		if intervals > 0 then
			tokens = math.min(capacity, tokens + (intervals * refill_tokens))
			last_refill = last_refill + (intervals * interval_ms)
		end
	end

	local allowed = 0
	local retry_after_ms = 0
	if tokens > 0 then
		allowed = 1
		tokens = tokens - 1
	else
		local until_next = interval_ms - (now_ms - last_refill)
		if until_next < 0 then until_next = 0 end
		retry_after_ms = until_next
	end

	redis.call('HMSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
	redis.call('EXPIRE', key, ttl_seconds)

	return { allowed, tokens, retry_after_ms }
`)

func New(rdb *redis.Client, cfg Config) *Limiter {
	return &Limiter{rdb: rdb, cfg: cfg, prefix: "rl", script: bucketScript}
}

// Key returns the Redis key for an (actor, action) pair.
func (l *Limiter) Key(actor, action string) string {
	return fmt.Sprintf("%s:%s:%s", l.prefix, action, actor)
}

// Allow takes one token from the pair's bucket. The refill-and-take runs as a
// single Lua script, so concurrent callers across instances cannot overdraw.
func (l *Limiter) Allow(ctx context.Context, actor, action string) (Decision, error) {
	if l == nil || l.rdb == nil {
		return Decision{Allowed: true, Limit: 0, Remaining: -1}, nil
	}

	args := []interface{}{
		time.Now().UnixMilli(),
		l.cfg.Capacity,
		l.cfg.RefillTokens,
		l.cfg.RefillInterval.Milliseconds(),
		int64(l.cfg.TTL / time.Second),
	}
	vals, err := l.script.Run(ctx, l.rdb, []string{l.Key(actor, action)}, args...).Result()
	if err != nil {
		return Decision{}, err
	}

	arr, ok := vals.([]interface{})
	if !ok || len(arr) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script result %#v", vals)
	}
	return Decision{
		Allowed:    asInt64(arr[0]) == 1,
		Limit:      l.cfg.Capacity,
		Remaining:  asInt64(arr[1]),
		RetryAfter: time.Duration(asInt64(arr[2])) * time.Millisecond,
	}, nil
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
