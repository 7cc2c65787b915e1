// Package ratelimit throttles upload and submission requests per client.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
}

// Limiter consumes one token for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// TokenBucket implements a distributed token bucket rate limiter using Redis.
type TokenBucket struct {
	client   redis.Scripter
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client redis.Scripter, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow consumes a single token for the given key if available.
func (b *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	now := b.now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{"ratelimit:" + key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("unexpected rate limit reply %v", res)
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	case string:
		_, _ = fmt.Sscan(v, &tokens)
	}
	return Decision{Allowed: allowed == 1, Remaining: int(math.Floor(tokens))}, nil
}

// Lua numbers are truncated to integers on return, so tokens is sent as a string.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)

// MemoryBucket is the same algorithm for a single process.
type MemoryBucket struct {
	mu       sync.Mutex
	capacity float64
	refill   float64
	buckets  map[string]*bucketState
	now      func() time.Time
}

type bucketState struct {
	tokens float64
	last   time.Time
}

func NewMemoryBucket(capacity int, refillPerSecond float64) *MemoryBucket {
	return &MemoryBucket{
		capacity: float64(capacity),
		refill:   refillPerSecond,
		buckets:  make(map[string]*bucketState),
		now:      time.Now,
	}
}

func (m *MemoryBucket) Allow(_ context.Context, key string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	st, ok := m.buckets[key]
	if !ok {
		st = &bucketState{tokens: m.capacity, last: now}
		m.buckets[key] = st
	}
	elapsed := now.Sub(st.last).Seconds()
	if elapsed > 0 {
		st.tokens = math.Min(m.capacity, st.tokens+elapsed*m.refill)
	}
	st.last = now

	d := Decision{}
	if st.tokens >= 1 {
		st.tokens--
		d.Allowed = true
	}
	d.Remaining = int(math.Floor(st.tokens))
	return d, nil
}
