package processor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter controls the rate of work using a token bucket
type RateLimiter struct {
	limiter        *rate.Limiter
	mu             sync.RWMutex
	processedCount int64
	droppedCount   int64
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(eventsPerSecond float64, burstSize int) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(eventsPerSecond), burstSize),
	}
}

// Allow checks if an event can be processed based on rate limit
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	allowed := rl.limiter.Allow()
	if allowed {
		rl.processedCount++
	} else {
		rl.droppedCount++
	}
	return allowed
}

// Wait blocks until an event can be processed or context is cancelled
func (rl *RateLimiter) Wait(ctx context.Context) error {
	err := rl.limiter.Wait(ctx)
	if err == nil {
		rl.mu.Lock()
		rl.processedCount++
		rl.mu.Unlock()
	}
	return err
}

// GetStats returns current statistics
func (rl *RateLimiter) GetStats() (processed, dropped int64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	return rl.processedCount, rl.droppedCount
}

type keyedEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter keeps one token bucket per key (client IP, websocket client).
// Idle keys are evicted by Cleanup.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*keyedEntry
	perSec   rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

// NewKeyedLimiter creates a limiter allowing perSecond events with the given burst per key.
func NewKeyedLimiter(perSecond float64, burst int, idle time.Duration) *KeyedLimiter {
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &KeyedLimiter{
		limiters: make(map[string]*keyedEntry),
		perSec:   rate.Limit(perSecond),
		burst:    burst,
		idle:     idle,
		now:      time.Now,
	}
}

// Allow reports whether key may proceed now.
func (k *KeyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	e, ok := k.limiters[key]
	if !ok {
		e = &keyedEntry{limiter: rate.NewLimiter(k.perSec, k.burst)}
		k.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Cleanup evicts keys idle for longer than the idle timeout and returns
// how many were removed.
func (k *KeyedLimiter) Cleanup() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	cutoff := k.now().Add(-k.idle)
	removed := 0
	for key, e := range k.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(k.limiters, key)
			removed++
		}
	}
	return removed
}

// Forget drops key immediately, e.g. when a websocket client disconnects.
func (k *KeyedLimiter) Forget(key string) {
	k.mu.Lock()
	delete(k.limiters, key)
	k.mu.Unlock()
}

// Len returns the number of tracked keys.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}

// RunCleanup evicts idle keys every interval until ctx is cancelled.
func (k *KeyedLimiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.Cleanup()
		}
	}
}
