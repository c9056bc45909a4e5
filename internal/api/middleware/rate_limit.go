package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apierrors "github.com/anthropics/reloadcore/internal/api/errors"
)

// visitorLimiter hands out one token bucket per caller identity.
type visitorLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

func newVisitorLimiter(perMinute, burst int) *visitorLimiter {
	return &visitorLimiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
	}
}

func (v *visitorLimiter) get(id string) *rate.Limiter {
	v.mu.Lock()
	defer v.mu.Unlock()

	b, ok := v.buckets[id]
	if !ok {
		b = rate.NewLimiter(v.limit, v.burst)
		v.buckets[id] = b
	}
	return b
}

// sweep drops buckets that are back at full capacity; a full bucket means
// the caller has been idle long enough to be forgotten.
func (v *visitorLimiter) sweep() {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now()
	for id, b := range v.buckets {
		if b.TokensAt(now) == float64(v.burst) {
			delete(v.buckets, id)
		}
	}
}

// RateLimitMiddleware enforces a per-caller token bucket over the control
// surface. Callers are identified by client IP; exceeding the budget
// yields 429 with X-RateLimit-* and Retry-After headers and the standard
// error envelope.
func RateLimitMiddleware(perMinute, burst int) func(http.Handler) http.Handler {
	limiter := newVisitorLimiter(perMinute, burst)

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			limiter.sweep()
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.get(clientIP(r)).Allow() {
				w.Header().Set(RateLimitLimitHeader, strconv.Itoa(perMinute))
				w.Header().Set(RateLimitRemainingHeader, "0")
				w.Header().Set(RateLimitResetHeader, strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))
				w.Header().Set("Retry-After", "60")
				apierrors.WriteError(w, apierrors.RateLimitError().WithRequestID(GetRequestID(r.Context())))
				return
			}

			w.Header().Set(RateLimitLimitHeader, strconv.Itoa(perMinute))
			next.ServeHTTP(w, r)
		})
	}
}
