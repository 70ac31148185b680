package http

import (
	"net/http"
	"strconv"
	"time"

	"signtrust/internal/domain"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	routeOTPIssue  = "otp:issue"
	routeOTPVerify = "otp:verify"
	routeSign      = "signatures:create"
)

// limit applies the per-client fixed window to a route. Requests are keyed
// by route and client IP.
func (s *Server) limit(routeID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil || s.rateLimit.Requests <= 0 {
			c.Next()
			return
		}
		decision, err := s.limiter.Allow(c.Request.Context(), domain.RateLimitKey(routeID, c.ClientIP()), s.rateLimit.Requests, s.rateLimit.Window)
		if err != nil {
			s.logger.Warn("rate limiter unavailable", zap.String("route", routeID), zap.Error(err))
			if s.rateLimit.FailClosed {
				writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMIT_UNAVAILABLE", "rate limiter unavailable")
				return
			}
			c.Next()
			return
		}
		writeRateLimitHeaders(c, decision)
		if !decision.Allowed {
			writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
			return
		}
		c.Next()
	}
}

func writeRateLimitHeaders(c *gin.Context, decision domain.RateLimitDecision) {
	if decision.Limit > 0 {
		c.Header("RateLimit-Limit", strconv.Itoa(decision.Limit))
	}
	c.Header("RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	if decision.ResetAt.IsZero() {
		return
	}
	c.Header("RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
	if !decision.Allowed {
		c.Header("Retry-After", strconv.FormatInt(decision.RetryAfter(time.Now()), 10))
	}
}
