package middleware

import (
	"context"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ewaste-tracker/internal/apperror"
	"github.com/iliyamo/ewaste-tracker/internal/identity"
)

// Verifier checks a raw session token. session.Service implements it.
type Verifier interface {
	Verify(ctx context.Context, raw string) (*identity.Verified, error)
}

// Authenticate requires a valid, unrevoked bearer token and stores the
// verified identity in the context.
func Authenticate(v Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := BearerToken(c)
			if raw == "" {
				return apperror.Auth(apperror.AuthMissing, nil)
			}
			verified, err := v.Verify(c.Request().Context(), raw)
			if err != nil {
				return err
			}
			c.Set(identityKey, verified)
			return next(c)
		}
	}
}

// BearerToken extracts the token from the Authorization header. The scheme
// is matched case-insensitively.
func BearerToken(c echo.Context) string {
	auth := strings.TrimSpace(c.Request().Header.Get(echo.HeaderAuthorization))
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
