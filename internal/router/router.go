// Package router wires handlers and the request pipeline onto echo.
package router

import (
	"fmt"
	"net"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/iliyamo/ewaste-tracker/internal/config"
	"github.com/iliyamo/ewaste-tracker/internal/handler"
	"github.com/iliyamo/ewaste-tracker/internal/middleware"
	"github.com/iliyamo/ewaste-tracker/internal/model"
)

// Pipeline holds the shared stages of the enforcement pipeline.
type Pipeline struct {
	Verifier  middleware.Verifier
	Limiter   middleware.Allower
	Accounts  middleware.AccountLookup
	Sanitizer *middleware.Sanitizer

	// BodyLimit caps request bodies in echo size syntax; default "1M".
	BodyLimit string
	// TrustedProxies lists the CIDRs (or single IPs) whose X-Forwarded-For
	// is believed. Empty means the socket address is the client IP.
	TrustedProxies []string
}

const defaultBodyLimit = "1M"

func (p Pipeline) bodyLimit() echo.MiddlewareFunc {
	limit := p.BodyLimit
	if limit == "" {
		limit = defaultBodyLimit
	}
	return echomw.BodyLimit(limit)
}

// Configure sets how echo derives the client IP that anonymous requests are
// rate limited by. Forwarding headers count only when the peer is one of
// p.TrustedProxies; otherwise a client could pick its own limiter key.
func Configure(e *echo.Echo, p Pipeline) error {
	if len(p.TrustedProxies) == 0 {
		e.IPExtractor = echo.ExtractIPDirect()
		return nil
	}
	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, cidr := range p.TrustedProxies {
		if !strings.Contains(cidr, "/") {
			ip := net.ParseIP(cidr)
			if ip == nil {
				return fmt.Errorf("trusted proxy %q: not an IP or CIDR", cidr)
			}
			if ip.To4() != nil {
				cidr += "/32"
			} else {
				cidr += "/128"
			}
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return fmt.Errorf("trusted proxy %q: %w", cidr, err)
		}
		opts = append(opts, echo.TrustIPRange(ipNet))
	}
	e.IPExtractor = echo.ExtractIPFromXFFHeader(opts...)
	return nil
}

// RegisterRoutes registers routes that need no authentication.
func RegisterRoutes(e *echo.Echo, ready echo.HandlerFunc) {
	e.GET("/healthz", handler.Health)
	if ready != nil {
		e.GET("/readyz", ready)
	}
}

// RegisterAuth registers the sign-in endpoints and the caller's own
// account routes. Anonymous routes are limited per client IP under the
// auth class; authenticated ones per subject under the api class. Every
// route rejects oversized bodies before anything else runs.
func RegisterAuth(e *echo.Echo, p Pipeline, a *handler.AuthHandler, rr *handler.RoleRequestHandler) {
	limitBody := p.bodyLimit()
	authn := middleware.Authenticate(p.Verifier)
	sanitize := middleware.Sanitize(p.Sanitizer)

	g := e.Group("/v1/auth", limitBody, middleware.RateLimit(p.Limiter, config.ClassAuth), sanitize)
	g.POST("/register", a.Register)
	g.POST("/login", a.Login)
	g.POST("/session", a.Session)

	// Logout authenticates first so the limit is per subject.
	limited := middleware.RateLimit(p.Limiter, config.ClassAuth)
	e.POST("/v1/auth/logout", a.Logout, limitBody, authn, limited)
	e.POST("/v1/auth/logout-all", a.LogoutAll, limitBody, authn, limited)

	// Pending and rejected accounts may read their state and ask for
	// roles, so no approval check here.
	me := e.Group("/v1", limitBody, authn, middleware.RateLimit(p.Limiter, config.ClassAPI), sanitize)
	me.GET("/me", a.Me)
	me.POST("/role-requests", rr.Submit)
	me.GET("/role-requests", rr.List)
}

// RegisterAdmin registers the review queue. The admin check reads the
// account record so a demoted admin loses access before their claims
// catch up.
func RegisterAdmin(e *echo.Echo, p Pipeline, h *handler.AdminHandler) {
	g := e.Group("/v1/admin",
		p.bodyLimit(),
		middleware.Authenticate(p.Verifier),
		middleware.RateLimit(p.Limiter, config.ClassAPI),
		middleware.RequireRole(model.RoleAdmin),
		middleware.RequireFreshRole(p.Accounts, model.RoleAdmin),
		middleware.Sanitize(p.Sanitizer),
	)
	g.GET("/role-requests/pending", h.Pending)
	g.POST("/role-requests/:id/approve", h.Approve)
	g.POST("/role-requests/:id/reject", h.Reject)
	g.POST("/claims/reconcile", h.Reconcile)
	g.POST("/accounts/:id/revoke-sessions", h.RevokeSessions)
}
