package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

// RateLimiter counts requests per subject in a window
type RateLimiter interface {
	Consume(ctx context.Context, scope, subject string, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// RateLimit allows limit requests per client IP per window. The limiter failing lets the request through.
func RateLimit(limiter RateLimiter, scope string, limit int, window time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if limiter == nil || limit <= 0 {
				return next(c)
			}

			count, retryAfter, err := limiter.Consume(c.Request().Context(), scope, c.RealIP(), window)
			if err != nil {
				c.Logger().Warnf("rate limiter unavailable for %s: %v", scope, err)
				return next(c)
			}

			if count > limit {
				c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
				return echo.NewHTTPError(http.StatusTooManyRequests, "Too many requests. Please try again later.")
			}

			return next(c)
		}
	}
}
