package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/shishu/api/internal/platform/httpx"
	"github.com/shishu/api/internal/platform/requestctx"
)

const (
	anonymousRateKey    = "anonymous"
	maxTrackedVisitors  = 10000
	rateLimitRetryAfter = 1
)

type rateLimiter interface {
	Allow(key string) bool
}

// visitorRateLimiter keeps one token bucket per visitor id.
type visitorRateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

func newVisitorRateLimiter(perMinute, burst int, clock func() time.Time) rateLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = perMinute
	}
	if clock == nil {
		clock = time.Now
	}
	return &visitorRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    burst,
		now:      clock,
	}
}

func (l *visitorRateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = anonymousRateKey
	}
	return l.get(key).AllowN(l.now(), 1)
}

func (l *visitorRateLimiter) get(key string) *rate.Limiter {
	l.mu.RLock()
	limiter, ok := l.limiters[key]
	l.mu.RUnlock()
	if ok {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok = l.limiters[key]; ok {
		return limiter
	}
	if len(l.limiters) >= maxTrackedVisitors {
		l.limiters = make(map[string]*rate.Limiter)
	}
	limiter = rate.NewLimiter(l.limit, l.burst)
	l.limiters[key] = limiter
	return limiter
}

// RateLimitMiddleware throttles requests per visitor cookie. A non-positive rate disables it.
func RateLimitMiddleware(perMinute, burst int, clock func() time.Time) func(http.Handler) http.Handler {
	limiter := newVisitorRateLimiter(perMinute, burst, clock)
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if !limiter.Allow(requestctx.VisitorID(ctx)) {
				w.Header().Set("Retry-After", strconv.Itoa(rateLimitRetryAfter))
				httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeRateLimited, "too many requests", http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
