package server

import (
	"fmt"
	"sync"
	"time"
)

// RateLimitConfig tunes the global token bucket and the per-sender webhook
// window. A zero GlobalRPS disables the global bucket; a zero HookLimit
// disables the webhook window. When RedisAddr is set the webhook counters
// live in Redis so the limit holds across replicas.
type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	HookLimit     int
	HookWindow    time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

type rateLimiter struct {
	global      *tokenBucket
	hookLimit   int
	hookWindow  time.Duration
	hookMu      sync.Mutex
	hookBuckets map[string]*ipLimiter
	store       counterStore
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type counterStore interface {
	Allow(key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		hookLimit:   cfg.HookLimit,
		hookWindow:  cfg.HookWindow,
		hookBuckets: make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.hookWindow <= 0 {
		rl.hookWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.hookLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisCounterStore(cfg.RedisAddr, cfg.RedisPassword, timeout)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

func (r *rateLimiter) AllowHook(key string) (bool, time.Duration, error) {
	if r == nil || r.hookLimit <= 0 {
		return true, 0, nil
	}
	if r.store != nil {
		return r.store.Allow(fmt.Sprintf("stagecast:hook:%s", key), r.hookLimit, r.hookWindow)
	}
	if key == "" {
		key = "unknown"
	}
	r.hookMu.Lock()
	bucket, exists := r.hookBuckets[key]
	if !exists {
		rate := float64(r.hookLimit) / r.hookWindow.Seconds()
		if rate <= 0 {
			rate = 1 / r.hookWindow.Seconds()
		}
		bucket = &ipLimiter{bucket: newTokenBucket(rate, r.hookLimit)}
		r.hookBuckets[key] = bucket
	}
	bucket.lastSeen = time.Now()
	r.cleanupLocked()
	r.hookMu.Unlock()

	if bucket.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.hookBuckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.hookWindow)
	for key, bucket := range r.hookBuckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(r.hookBuckets, key)
		}
	}
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	now := time.Now()
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: now,
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens -= 1
	return true
}
