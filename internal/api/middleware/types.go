// Package middleware provides the HTTP middleware chain fronting the
// control surface: request correlation, structured request logging,
// Prometheus instrumentation, rate limiting, CORS, gzip compression, and
// request-body validation.
package middleware

import (
	"net"
	"net/http"
	"strings"
)

// contextKey is unexported so values stored by this package cannot
// collide with keys placed in the context by other packages.
type contextKey string

// RequestIDContextKey carries the per-request correlation ID set by
// RequestIDMiddleware.
const RequestIDContextKey contextKey = "request_id"

// Header names shared between the middleware chain and handlers.
const (
	RequestIDHeader = "X-Request-ID"

	RateLimitLimitHeader     = "X-RateLimit-Limit"
	RateLimitRemainingHeader = "X-RateLimit-Remaining"
	RateLimitResetHeader     = "X-RateLimit-Reset"

	APIVersionHeader = "X-API-Version"
)

// clientIP identifies the caller for logging and rate limiting.
// Priority: X-Forwarded-For (first hop) > X-Real-IP > RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
