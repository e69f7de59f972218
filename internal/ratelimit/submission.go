package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const submitKeyPrefix = "submit:"

// SubmissionLimiter throttles analysis submissions per owner with a
// distributed token bucket in Redis. State is shared across API replicas;
// the Lua script keeps the refill-and-take step atomic.
type SubmissionLimiter struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewSubmissionLimiter constructs a limiter with the given burst capacity
// and refill rate.
func NewSubmissionLimiter(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *SubmissionLimiter {
	return &SubmissionLimiter{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// AllowSubmission consumes one token from the owner's bucket if available.
// Returns the allowed flag and the remaining token count.
func (l *SubmissionLimiter) AllowSubmission(ctx context.Context, ownerID string) (bool, float64, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, l.client, []string{submitKeyPrefix + ownerID},
		l.capacity, l.refill, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	return parseBucketReply(res)
}

// parseBucketReply decodes the script's {allowed, tokens} pair. A reply that
// does not match that shape is a limiter failure, not a rejection, so the
// caller can tell the two apart.
func parseBucketReply(res interface{}) (bool, float64, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("rate limit script reply %T: want {allowed, tokens}", res)
	}
	allowed, ok := arr[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("rate limit script allowed flag %T: want int64", arr[0])
	}
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	default:
		return false, 0, fmt.Errorf("rate limit script token count %T: want number", arr[1])
	}
	return allowed == 1, tokens, nil
}

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

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
