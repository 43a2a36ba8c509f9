// Package ratelimit throttles generation attempts per site with a token
// bucket kept in Redis, so every worker draws from the same budget.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// starved is the wait reported when the bucket never refills.
const starved = time.Minute

// TokenBucket holds one bucket per site: up to capacity attempts may start
// back to back, after which they are paced at refill per second.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64
	ttl      time.Duration
	now      func() time.Time
}

// Option customizes a TokenBucket.
type Option func(*TokenBucket)

// WithClock overrides the time source handed to the bucket script.
func WithClock(now func() time.Time) Option {
	return func(b *TokenBucket) { b.now = now }
}

// NewTokenBucket builds a limiter. Idle buckets expire after ttl; zero keeps them.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration, opts ...Option) *TokenBucket {
	b := &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SiteKey is the bucket key for a site.
func SiteKey(siteID string) string {
	return "ratelimit:site:" + siteID
}

// Take spends one token from the site's bucket. It returns zero when the
// token was granted, otherwise how long until the next one is available.
func (b *TokenBucket) Take(ctx context.Context, siteID string) (time.Duration, error) {
	waitMS, err := takeScript.Run(ctx, b.client, []string{SiteKey(siteID)},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, err
	}
	if waitMS < 0 {
		return starved, nil
	}
	return time.Duration(waitMS) * time.Millisecond, nil
}

// ARGV: capacity, tokens per second, now ms, idle ttl ms.
// Returns 0 when a token was taken, the ms until the next token, or -1
// when the bucket is empty and never refills.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'stamp')
local tokens = tonumber(state[1]) or capacity
local stamp = tonumber(state[2]) or now
if now > stamp then
  tokens = math.min(capacity, tokens + (now - stamp) * rate / 1000)
  stamp = now
end

local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
elseif rate > 0 then
  wait = math.ceil((1 - tokens) * 1000 / rate)
else
  wait = -1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'stamp', stamp)
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return wait
`)
