package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimit returns an HTTP middleware that limits requests per IP address to
// the specified number per minute. Applied to the public validation endpoints,
// which accept unauthenticated traffic from the open internet.
func RateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.LimitByIP(requestsPerMinute, time.Minute)
}

// RateLimitByHeader returns an HTTP middleware that limits requests by a
// specific header value (e.g., X-API-Key), for per-credential limits.
func RateLimitByHeader(headerName string, requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return r.Header.Get(headerName), nil
		}),
	)
}
