package security

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per key (usually a client IP).
type RateLimiter struct {
	config   RateLimitConfig
	limiters map[string]*limiterEntry
	mu       sync.Mutex
	cleanup  *time.Timer
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	// Window is how long an idle key keeps its bucket.
	Window time.Duration
}

func CreateRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if config.Window <= 0 {
		config.Window = 5 * time.Minute
	}

	rl := &RateLimiter{
		config:   config,
		limiters: make(map[string]*limiterEntry),
	}
	rl.startCleanup()
	return rl
}

func (rl *RateLimiter) Allow(key string) bool {
	return rl.get(key).Allow()
}

func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	return rl.get(key).Wait(ctx)
}

func (rl *RateLimiter) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.limiters[key]
	if !exists {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.Burst),
		}
		rl.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

func (rl *RateLimiter) startCleanup() {
	rl.cleanup = time.AfterFunc(rl.config.Window, func() {
		rl.mu.Lock()
		cutoff := time.Now().Add(-rl.config.Window)
		for key, entry := range rl.limiters {
			if entry.lastSeen.Before(cutoff) {
				delete(rl.limiters, key)
			}
		}
		rl.mu.Unlock()

		rl.startCleanup()
	})
}

func (rl *RateLimiter) Close() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.cleanup != nil {
		rl.cleanup.Stop()
	}
}
