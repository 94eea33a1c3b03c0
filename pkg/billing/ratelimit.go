package billing

import (
	"net/http"
	"time"

	"github.com/LeonKindaTired/cvally/pkg/billing/internal"
)

// RateLimit returns middleware limiting each client IP to limit requests per
// window. Intended for webhook mounts: providers dispatch from a small set of
// addresses, so a coarse per-IP window is enough.
func RateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	rl := internal.NewRateLimiter(limit, window)
	return rl.Middleware
}
