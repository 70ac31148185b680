package domain

import (
	"context"
	"math"
	"time"
)

// RateLimitDecision is the outcome of one request against a fixed window.
// ResetAt is zero when the limiter is disabled for the key.
type RateLimitDecision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the whole number of seconds until the window resets, rounded
// up so a client waiting that long is admitted.
func (d RateLimitDecision) RetryAfter(now time.Time) int64 {
	if d.ResetAt.IsZero() || !d.ResetAt.After(now) {
		return 0
	}
	return int64(math.Ceil(d.ResetAt.Sub(now).Seconds()))
}

// RateLimitKey scopes a window to one route and one client.
func RateLimitKey(route, client string) string {
	return "route:" + route + ":client:" + client
}

// RateLimiter guards the OTP and signing routes. Implementations share the
// window across replicas or keep it in process.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (RateLimitDecision, error)
}
