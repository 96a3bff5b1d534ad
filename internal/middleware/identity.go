package middleware

// identity.go holds the context accessors shared by the pipeline stages and
// the handlers. Authenticate stores the verified token under identityKey;
// the fresh role checks store the authoritative account under accountKey.

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ewaste-tracker/internal/identity"
	"github.com/iliyamo/ewaste-tracker/internal/model"
)

const (
	identityKey = "identity"
	accountKey  = "account"
)

// Identity returns the verified token of the request, if any.
func Identity(c echo.Context) (*identity.Verified, bool) {
	v, ok := c.Get(identityKey).(*identity.Verified)
	return v, ok && v != nil
}

// Account returns the account loaded by a fresh role check, if any.
func Account(c echo.Context) (*model.Account, bool) {
	a, ok := c.Get(accountKey).(*model.Account)
	return a, ok && a != nil
}

// rateIdentity keys rate limits by subject when authenticated and by
// client IP otherwise.
func rateIdentity(c echo.Context) string {
	if v, ok := Identity(c); ok {
		return "sub:" + v.Subject
	}
	ip := c.RealIP()
	if ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip
}
