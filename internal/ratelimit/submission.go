package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/memora/internal/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const keySubmissionUser = "memora:submit:user:%s"

var ErrRateLimited = errors.New("rate_limited")

// SubmissionLimiter throttles job submissions per user. With Redis the bucket
// is shared across API replicas; otherwise it is held in process.
type SubmissionLimiter struct {
	perSecond float64
	burst     int
	bucket    *TokenBucket
	log       *zap.Logger

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

func NewSubmissionLimiter(cfg config.Config, client *redis.Client, log *zap.Logger) *SubmissionLimiter {
	limitCfg := cfg.RateLimit
	if limitCfg.SubmissionsPerMinute <= 0 || limitCfg.SubmissionBurst <= 0 {
		return nil
	}
	return &SubmissionLimiter{
		perSecond: limitCfg.SubmissionsPerMinute / 60,
		burst:     limitCfg.SubmissionBurst,
		bucket:    NewTokenBucket(client),
		log:       log.Named("ratelimit"),
		local:     map[string]*rate.Limiter{},
	}
}

// Allow consumes one token for userID. A nil limiter allows everything.
func (l *SubmissionLimiter) Allow(ctx context.Context, userID string) (*RateLimitResult, error) {
	if l == nil {
		return &RateLimitResult{Allowed: true}, nil
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("rate limiter user is empty")
	}

	if l.bucket != nil {
		res, err := l.bucket.Allow(ctx, fmt.Sprintf(keySubmissionUser, userID), l.perSecond, l.burst)
		if err == nil {
			return res, nil
		}
		// Redis outages degrade to the local bucket rather than blocking submissions.
		l.log.Warn("redis rate limit failed, using local bucket", zap.Error(err))
	}
	return l.allowLocal(userID, time.Now()), nil
}

func (l *SubmissionLimiter) allowLocal(userID string, now time.Time) *RateLimitResult {
	l.mu.Lock()
	limiter, ok := l.local[userID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(l.perSecond), l.burst)
		l.local[userID] = limiter
	}
	l.mu.Unlock()

	reservation := limiter.ReserveN(now, 1)
	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.CancelAt(now)
		return &RateLimitResult{
			Allowed:    false,
			Limit:      l.burst,
			ResetTime:  now.Add(delay),
			RetryAfter: delay,
		}
	}
	remaining := int(math.Floor(limiter.TokensAt(now)))
	if remaining < 0 {
		remaining = 0
	}
	return &RateLimitResult{
		Allowed:   true,
		Limit:     l.burst,
		Remaining: remaining,
		ResetTime: now,
	}
}
