package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// RequestIDMiddleware tags every request with a correlation ID. An
// X-Request-ID supplied by the caller is kept and echoed back; otherwise
// a fresh UUID is issued. Handlers retrieve the ID with GetRequestID and
// thread it through log records and error envelopes.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}

		r = r.WithContext(withRequestID(r.Context(), id))
		w.Header().Set(RequestIDHeader, id)

		next.ServeHTTP(w, r)
	})
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDContextKey, id)
}

// GetRequestID returns the correlation ID set by RequestIDMiddleware, or
// the empty string when the middleware did not run for this request.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDContextKey).(string); ok {
		return id
	}
	return ""
}
