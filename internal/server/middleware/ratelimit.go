package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/guided-traffic/plugin-license-manager/internal/monitoring"
	"github.com/guided-traffic/plugin-license-manager/internal/server/response"
)

// cleanupInterval is how often idle limiters are dropped.
const cleanupInterval = 5 * time.Minute

// RateLimitConfig defines the rate limiting parameters.
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained rate allowed per key
	RequestsPerMinute int
	// Burst allows for temporary bursts above the rate limit
	Burst int
}

// KeyExtractor extracts the key requests are grouped by.
type KeyExtractor func(*http.Request) string

// SiteKeyExtractor groups requests by authenticated site. Requests without a
// site are not limited by it; the per-address limiter in front of
// authentication covers them.
func SiteKeyExtractor(r *http.Request) string {
	if site, ok := SiteFromContext(r.Context()); ok {
		return "site:" + site.ID
	}
	return ""
}

// IPKeyExtractor extracts the client IP address from the request.
// It handles X-Forwarded-For and X-Real-IP headers for proxied requests.
func IPKeyExtractor(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// RateLimiter keeps one token bucket per key.
type RateLimiter struct {
	config       RateLimitConfig
	keyExtractor KeyExtractor
	logger       *logrus.Entry
	errors       *response.ErrorWriter

	limiters    sync.Map // map[string]*rate.Limiter
	mu          sync.Mutex
	lastCleanup time.Time
}

// NewRateLimiter creates a rate limiting middleware.
func NewRateLimiter(config RateLimitConfig, keyExtractor KeyExtractor, logger *logrus.Entry) *RateLimiter {
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 120
	}
	if config.Burst <= 0 {
		config.Burst = config.RequestsPerMinute
	}
	return &RateLimiter{
		config:       config,
		keyExtractor: keyExtractor,
		logger:       logger,
		errors:       response.NewErrorWriter(logger),
		lastCleanup:  time.Now(),
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	if limiter, ok := rl.limiters.Load(key); ok {
		return limiter.(*rate.Limiter)
	}

	limiter := rate.NewLimiter(rate.Limit(float64(rl.config.RequestsPerMinute)/60.0), rl.config.Burst)
	actual, _ := rl.limiters.LoadOrStore(key, limiter)

	rl.maybeCleanup()

	return actual.(*rate.Limiter)
}

// maybeCleanup drops limiters whose bucket is full again, i.e. keys that
// have been idle.
func (rl *RateLimiter) maybeCleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if time.Since(rl.lastCleanup) < cleanupInterval {
		return
	}
	rl.lastCleanup = time.Now()

	rl.limiters.Range(func(key, value any) bool {
		if value.(*rate.Limiter).Tokens() >= float64(rl.config.Burst) {
			rl.limiters.Delete(key)
		}
		return true
	})
}

// Middleware returns the HTTP middleware function
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := rl.keyExtractor(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		limiter := rl.limiter(key)
		if !limiter.Allow() {
			reservation := limiter.Reserve()
			delay := reservation.Delay()
			reservation.Cancel()

			retryAfter := max(int(delay.Seconds()), 1)
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.config.RequestsPerMinute))

			monitoring.RecordRateLimited()
			rl.logger.WithFields(logrus.Fields{
				"key":         key,
				"path":        r.URL.Path,
				"retry_after": retryAfter,
			}).Warn("Rate limit exceeded")

			rl.errors.WriteError(w, r, http.StatusTooManyRequests, response.CodeRateLimited,
				"too many requests, retry later")
			return
		}

		next.ServeHTTP(w, r)
	})
}
