package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

const (
	DefaultRateLimit       = 60              // requests per window
	DefaultRateLimitWindow = 1 * time.Minute // window duration
)

// RateLimiter counts requests per caller in fixed windows. The caller is the
// X-User-ID identity when present, else the client IP. If the store fails the
// request is let through.
func RateLimiter(store Store, limit int, window time.Duration) func(http.Handler) http.Handler {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateLimitWindow
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			client := UserID(ctx)
			if client == "" {
				client = clientIP(r)
			}
			key := fmt.Sprintf("ratelimit:%s", client)

			count, err := store.Incr(ctx, key)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if count == 1 {
				store.Expire(ctx, key, window)
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			if count > int64(limit) {
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
				writeJSONError(w, http.StatusTooManyRequests, "Rate limit exceeded. Try again later.")
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(int64(limit)-count, 10))

			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
