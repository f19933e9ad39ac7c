package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Actions the chat core limits per user.
const (
	ActionSendMessage = "send_message"
	ActionCreateChat  = "create_chat"
	ActionAPI         = "api"
)

// Policy sizes a bucket: Burst tokens, refilled one every Interval.
type Policy struct {
	Burst    int
	Interval time.Duration
}

// DefaultPolicies returns the per-action limits used when none are configured.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		// 10 messages per minute
		ActionSendMessage: {Burst: 10, Interval: 6 * time.Second},
		// 5 new chats per hour
		ActionCreateChat: {Burst: 5, Interval: 12 * time.Minute},
		ActionAPI:        {Burst: 60, Interval: time.Second},
	}
}

var defaultPolicy = Policy{Burst: 20, Interval: 3 * time.Second}

// TokenBucket wraps a rate.Limiter and remembers when it was last used so
// idle buckets can be pruned.
type TokenBucket struct {
	limiter  *rate.Limiter
	interval time.Duration
	lastUsed time.Time
	mutex    sync.Mutex
}

func NewTokenBucket(policy Policy, now time.Time) *TokenBucket {
	return &TokenBucket{
		limiter:  rate.NewLimiter(rate.Every(policy.Interval), policy.Burst),
		interval: policy.Interval,
		lastUsed: now,
	}
}

// take consumes a token if one is available, otherwise reports how long
// until one is.
func (tb *TokenBucket) take(now time.Time) (bool, time.Duration) {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()

	tb.lastUsed = now
	if tb.limiter.AllowN(now, 1) {
		return true, 0
	}
	missing := 1 - tb.limiter.TokensAt(now)
	return false, time.Duration(missing * float64(tb.interval))
}

func (tb *TokenBucket) idleSince(now time.Time) time.Duration {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()
	return now.Sub(tb.lastUsed)
}

// RateLimiter keeps one token bucket per user and action.
type RateLimiter struct {
	buckets  map[string]*TokenBucket
	policies map[string]Policy
	mutex    sync.RWMutex
	now      func() time.Time
}

func NewRateLimiter(policies map[string]Policy) *RateLimiter {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &RateLimiter{
		buckets:  make(map[string]*TokenBucket),
		policies: policies,
		now:      time.Now,
	}
}

// Allow checks if a user action is allowed and consumes a token if so.
func (rl *RateLimiter) Allow(userID, action string) (bool, time.Duration) {
	key := userID + ":" + action
	now := rl.now()

	rl.mutex.RLock()
	bucket, exists := rl.buckets[key]
	rl.mutex.RUnlock()

	if !exists {
		rl.mutex.Lock()
		if bucket, exists = rl.buckets[key]; !exists {
			policy, ok := rl.policies[action]
			if !ok || policy.Burst <= 0 || policy.Interval <= 0 {
				policy = defaultPolicy
			}
			bucket = NewTokenBucket(policy, now)
			rl.buckets[key] = bucket
		}
		rl.mutex.Unlock()
	}

	return bucket.take(now)
}

// Cleanup removes buckets idle for longer than maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	removed := 0
	for key, bucket := range rl.buckets {
		if bucket.idleSince(now) > maxIdle {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// StartCleanupRoutine prunes idle buckets every interval until ctx is done.
func (rl *RateLimiter) StartCleanupRoutine(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.Cleanup(time.Hour)
			}
		}
	}()
}
