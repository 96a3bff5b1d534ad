package middleware

import (
	"context"
	"errors"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ewaste-tracker/internal/apperror"
	"github.com/iliyamo/ewaste-tracker/internal/model"
)

// AccountLookup reads the authoritative account for a subject.
type AccountLookup interface {
	GetBySubject(ctx context.Context, subject string) (*model.Account, error)
}

// RequireRole admits approved callers whose token claims hold at least one
// of roles. Claims may lag the database by one sync; use RequireFreshRole
// where that matters.
func RequireRole(roles ...model.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			v, ok := Identity(c)
			if !ok {
				return apperror.Auth(apperror.AuthMissing, nil)
			}
			if !v.Claims.Approved {
				return apperror.Forbidden("account is not approved")
			}
			for _, r := range roles {
				if v.Claims.HasRole(r) || (r == model.RoleAdmin && v.Claims.Kind == model.KindSuperAdmin) {
					return next(c)
				}
			}
			return apperror.Forbidden("missing required role")
		}
	}
}

// RequireFreshRole is RequireRole against the account record.
func RequireFreshRole(accounts AccountLookup, roles ...model.Role) echo.MiddlewareFunc {
	return requireFresh(accounts, func(a *model.Account) bool {
		for _, r := range roles {
			if a.HasRole(r) || (r == model.RoleAdmin && a.IsAdmin()) {
				return true
			}
		}
		return false
	})
}

func requireFresh(accounts AccountLookup, allowed func(*model.Account) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			v, ok := Identity(c)
			if !ok {
				return apperror.Auth(apperror.AuthMissing, nil)
			}
			a, err := accounts.GetBySubject(c.Request().Context(), v.Subject)
			if errors.Is(err, apperror.ErrNotFound) {
				return apperror.Forbidden("account is not approved")
			}
			if err != nil {
				return err
			}
			if a.Status != model.StatusApproved {
				return apperror.Forbidden("account is not approved")
			}
			if !allowed(a) {
				return apperror.Forbidden("missing required role")
			}
			c.Set(accountKey, a)
			return next(c)
		}
	}
}
