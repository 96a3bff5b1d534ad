package middleware

import (
	"context"
	"errors"
	"math"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ewaste-tracker/internal/apperror"
	"github.com/iliyamo/ewaste-tracker/internal/config"
	"github.com/iliyamo/ewaste-tracker/internal/ratelimit"
)

// Allower is the rate limiter. ratelimit.Limiter implements it.
type Allower interface {
	Allow(ctx context.Context, class config.RouteClass, identity string) (ratelimit.Decision, error)
}

// RateLimit counts the request against class. Authenticated callers are
// keyed by subject, everyone else by client IP, so it must run after
// Authenticate on protected groups.
func RateLimit(l Allower, class config.RouteClass) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			d, err := l.Allow(c.Request().Context(), class, rateIdentity(c))
			h := c.Response().Header()
			if d.Limit > 0 {
				h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			}
			if err != nil {
				var ae *apperror.Error
				if errors.As(err, &ae) && ae.Kind == apperror.KindRateLimited {
					h.Set("Retry-After", strconv.Itoa(retryAfterSeconds(ae)))
				}
				return err
			}
			return next(c)
		}
	}
}

func retryAfterSeconds(e *apperror.Error) int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
