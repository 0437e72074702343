package ratelimit

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const (
	cleanupEvery = 5 * time.Minute
	idleEviction = 10 * time.Minute
)

type bucket struct {
	mu       sync.Mutex
	tokens   float64
	lastSeen time.Time
}

// RateLimiter applies a per-caller token bucket, keyed by session header
// when present and client IP otherwise.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket

	capacity float64
	perSec   float64
	logger   *zap.Logger
	ticker   *time.Ticker
	done     chan struct{}
}

type Config struct {
	MaxRequestsPerMinute int
	WindowDuration       time.Duration
	Logger               *zap.Logger
}

func New(cfg Config) *RateLimiter {
	if cfg.MaxRequestsPerMinute == 0 {
		cfg.MaxRequestsPerMinute = 60
	}
	if cfg.WindowDuration == 0 {
		cfg.WindowDuration = time.Minute
	}

	rl := &RateLimiter{
		buckets:  make(map[string]*bucket),
		capacity: float64(cfg.MaxRequestsPerMinute),
		perSec:   float64(cfg.MaxRequestsPerMinute) / cfg.WindowDuration.Seconds(),
		logger:   cfg.Logger,
		ticker:   time.NewTicker(cleanupEvery),
		done:     make(chan struct{}),
	}
	go rl.evictIdle()
	return rl
}

func (rl *RateLimiter) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.IP()
		if sessionID := c.Get("X-Session-ID"); sessionID != "" {
			key = sessionID
		}

		if !rl.allow(key) {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("ip", c.IP()),
				zap.String("path", c.Path()),
			)
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Rate limit exceeded. Please try again later.",
			})
		}
		return c.Next()
	}
}

func (rl *RateLimiter) allow(key string) bool {
	b := rl.bucketFor(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.lastSeen).Seconds() * rl.perSec
	if b.tokens > rl.capacity {
		b.tokens = rl.capacity
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (rl *RateLimiter) bucketFor(key string) *bucket {
	rl.mu.RLock()
	b, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	// Re-check under the write lock; another request may have won.
	if b, ok = rl.buckets[key]; !ok {
		b = &bucket{tokens: rl.capacity, lastSeen: time.Now()}
		rl.buckets[key] = b
	}
	return b
}

func (rl *RateLimiter) evictIdle() {
	for {
		select {
		case <-rl.done:
			return
		case <-rl.ticker.C:
		}

		cutoff := time.Now().Add(-idleEviction)
		rl.mu.Lock()
		for key, b := range rl.buckets {
			b.mu.Lock()
			stale := b.lastSeen.Before(cutoff)
			b.mu.Unlock()
			if stale {
				delete(rl.buckets, key)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *RateLimiter) Stop() {
	rl.ticker.Stop()
	close(rl.done)
}
