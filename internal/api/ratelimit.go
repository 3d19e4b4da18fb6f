package api

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/careagent/neuron/internal/domain"
)

// RateLimiterConfig configures the token-bucket rate limiter, adapted
// from the teacher's per-IP limiter to key on API key ID instead (spec
// §4.7: per-key, not per-IP, since every caller is already authenticated
// before this middleware runs).
type RateLimiterConfig struct {
	MaxRequests     int
	Window          time.Duration
	CleanupInterval time.Duration
}

type visitor struct {
	tokens   float64
	lastSeen time.Time
}

// RateLimiter is a per-key token bucket limiter.
type RateLimiter struct {
	cfg      RateLimiterConfig
	rate     float64 // tokens per second
	visitors map[string]*visitor
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewRateLimiter constructs and starts a RateLimiter's background cleanup.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		cfg:      cfg,
		rate:     float64(cfg.MaxRequests) / cfg.Window.Seconds(),
		visitors: make(map[string]*visitor),
		stopCh:   make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Stop halts the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// Middleware enforces the limit keyed on the API key ID stashed in
// context by the auth middleware.
func (rl *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			keyID, _ := c.Get(ctxKeyID).(string)
			if keyID == "" {
				keyID = c.RealIP()
			}
			allowed, retryAfter := rl.allow(keyID)
			if !allowed {
				c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
				return c.JSON(http.StatusTooManyRequests, errorBody(domain.ErrRateLimited))
			}
			return next(c)
		}
	}
}

// allow reports whether key may proceed and, when it may not, the
// Retry-After value in whole seconds (spec §4.7 step 5: "429 with
// Retry-After"), computed from the bucket's own refill rate and clamped
// to [1, 60].
func (rl *RateLimiter) allow(key string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	v, ok := rl.visitors[key]
	if !ok {
		rl.visitors[key] = &visitor{tokens: float64(rl.cfg.MaxRequests) - 1, lastSeen: now}
		return true, 0
	}

	elapsed := now.Sub(v.lastSeen).Seconds()
	v.tokens += elapsed * rl.rate
	if v.tokens > float64(rl.cfg.MaxRequests) {
		v.tokens = float64(rl.cfg.MaxRequests)
	}
	v.lastSeen = now

	if v.tokens < 1 {
		return false, rl.retryAfterSeconds(v.tokens)
	}
	v.tokens--
	return true, 0
}

// retryAfterSeconds estimates the wait until the bucket holds one token
// again, given its refill rate, clamped to the spec's [1, 60] range.
func (rl *RateLimiter) retryAfterSeconds(tokens float64) int {
	seconds := (1 - tokens) / rl.rate
	retryAfter := int(math.Ceil(seconds))
	if retryAfter < 1 {
		retryAfter = 1
	}
	if retryAfter > 60 {
		retryAfter = 60
	}
	return retryAfter
}

func (rl *RateLimiter) cleanup() {
	interval := rl.cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			threshold := time.Now().Add(-interval)
			for k, v := range rl.visitors {
				if v.lastSeen.Before(threshold) {
					delete(rl.visitors, k)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}
