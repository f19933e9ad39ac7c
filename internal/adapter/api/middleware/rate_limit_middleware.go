package middleware

import (
	"fmt"
	"math"
	"time"

	"github.com/labstack/echo/v4"

	"marketchat/pkg/errors"
	"marketchat/pkg/logger"
	"marketchat/pkg/response"
)

// Limiter is satisfied by ratelimit.RateLimiter.
type Limiter interface {
	Allow(key, action string) (bool, time.Duration)
}

// RateLimit throttles requests per authenticated user, falling back to the
// client IP before authentication has run.
func RateLimit(limiter Limiter, action string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := UserID(c)
			if key == "" {
				key = "ip:" + c.RealIP()
			}

			allowed, wait := limiter.Allow(key, action)
			if !allowed {
				retryAfter := int(math.Ceil(wait.Seconds()))
				logger.Warn("RATE LIMIT: blocked %s on %s (retry in %ds)", key, action, retryAfter)
				c.Response().Header().Set("Retry-After", fmt.Sprint(retryAfter))
				return response.Error(c, errors.TooManyRequests("Rate limit exceeded"))
			}
			return next(c)
		}
	}
}
