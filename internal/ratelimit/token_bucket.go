package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// KEYS[1] bucket hash. ARGV: refill per second, capacity.
// Returns {allowed, tokens left as string, ms until one token, server ms}.
var bucketScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])

local clock = redis.call("TIME")
local now = clock[1] * 1000 + math.floor(clock[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now
local elapsed = math.max(0, now - last)
tokens = math.min(capacity, tokens + elapsed * rate / 1000)

local allowed = 0
local wait = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
else
  wait = math.ceil((1 - tokens) * 1000 / rate)
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", now)
redis.call("PEXPIRE", KEYS[1], math.ceil(capacity / rate * 2000) + 1000)

return {allowed, tostring(tokens), wait, now}
`)

// TokenBucket is a token bucket held in Redis, shared by every replica that
// uses the same key.
type TokenBucket struct {
	client *redis.Client
}

type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{client: client}
}

// Allow takes one token from key, refilling at rate per second up to burst.
func (t *TokenBucket) Allow(ctx context.Context, key string, rate float64, burst int) (*RateLimitResult, error) {
	switch {
	case t == nil || t.client == nil:
		return nil, errors.New("rate limiter not configured")
	case key == "":
		return nil, errors.New("rate limiter key is empty")
	case rate <= 0 || burst <= 0:
		return nil, fmt.Errorf("rate limiter needs positive rate and burst, got %v/%d", rate, burst)
	}

	reply, err := bucketScript.Run(ctx, t.client, []string{key}, rate, burst).Slice()
	if err != nil {
		return nil, err
	}
	if len(reply) != 4 {
		return nil, fmt.Errorf("rate limit script returned %d values", len(reply))
	}

	allowed, _ := reply[0].(int64)
	wait, _ := reply[2].(int64)
	serverMillis, _ := reply[3].(int64)
	tokens, err := parseTokens(reply[1])
	if err != nil {
		return nil, err
	}

	retryAfter := time.Duration(wait) * time.Millisecond
	return &RateLimitResult{
		Allowed:    allowed == 1,
		Limit:      burst,
		Remaining:  int(math.Floor(tokens)),
		ResetTime:  time.UnixMilli(serverMillis).Add(retryAfter),
		RetryAfter: retryAfter,
	}, nil
}

func parseTokens(v any) (float64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("rate limit tokens have type %T", v)
	}
	return strconv.ParseFloat(s, 64)
}
