package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ewaste-tracker/internal/apperror"
	"github.com/iliyamo/ewaste-tracker/internal/approval"
	"github.com/iliyamo/ewaste-tracker/internal/identity"
	"github.com/iliyamo/ewaste-tracker/internal/middleware"
	"github.com/iliyamo/ewaste-tracker/internal/model"
)

const requestTimeout = 5 * time.Second

// Registrar is the account side of the approval core.
type Registrar interface {
	Register(ctx context.Context, in approval.Registration) (*model.Account, *model.RoleRequest, error)
	Login(ctx context.Context, email, password string) (*model.Account, error)
	EnsureAccount(ctx context.Context, subject string) (*model.Account, error)
}

// Sessions issues and revokes session tokens. session.Service implements it.
type Sessions interface {
	Issue(ctx context.Context, a *model.Account) (identity.Token, error)
	Verify(ctx context.Context, raw string) (*identity.Verified, error)
	Revoke(ctx context.Context, v *identity.Verified) error
	RevokeAll(ctx context.Context, subject string) error
}

// AccountReader looks up accounts for the caller.
type AccountReader interface {
	GetByID(ctx context.Context, id uint64) (*model.Account, error)
	GetBySubject(ctx context.Context, subject string) (*model.Account, error)
}

// AuthHandler bundles dependencies for auth endpoints.
type AuthHandler struct {
	Registrar Registrar
	Sessions  Sessions
	Accounts  AccountReader
}

func NewAuthHandler(r Registrar, s Sessions, a AccountReader) *AuthHandler {
	return &AuthHandler{Registrar: r, Sessions: s, Accounts: a}
}

type authResp struct {
	Account     accountResp      `json:"account"`
	Session     tokenResp        `json:"session"`
	RoleRequest *roleRequestResp `json:"role_request,omitempty"`
}

// Register creates a pending account and signs the caller in. The session
// carries approved=false until an administrator approves a request.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerReq
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	acct, rr, err := h.Registrar.Register(ctx, approval.Registration{
		Email:         req.Email,
		DisplayName:   req.DisplayName,
		Password:      req.Password,
		Kind:          model.AccountKind(req.Kind),
		Roles:         toRoles(req.Roles),
		Justification: req.Justification,
	})
	if err != nil {
		return err
	}
	tok, err := h.Sessions.Issue(ctx, acct)
	if err != nil {
		return err
	}
	resp := authResp{Account: accountOf(acct, true), Session: tokenOf(tok)}
	if rr != nil {
		v := roleRequestOf(rr, true)
		resp.RoleRequest = &v
	}
	return c.JSON(http.StatusCreated, resp)
}

// Login verifies a password and returns a new session.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	acct, err := h.Registrar.Login(ctx, req.Email, req.Password)
	if err != nil {
		return err
	}
	tok, err := h.Sessions.Issue(ctx, acct)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, authResp{Account: accountOf(acct, true), Session: tokenOf(tok)})
}

// Session exchanges a token the provider issued directly for a session of
// this service, creating the account on first sign-in.
func (h *AuthHandler) Session(c echo.Context) error {
	var req sessionReq
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	v, err := h.Sessions.Verify(ctx, req.IDToken)
	if err != nil {
		return err
	}
	acct, err := h.Registrar.EnsureAccount(ctx, v.Subject)
	if err != nil {
		return err
	}
	tok, err := h.Sessions.Issue(ctx, acct)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, authResp{Account: accountOf(acct, true), Session: tokenOf(tok)})
}

// Logout revokes the token the request was made with.
func (h *AuthHandler) Logout(c echo.Context) error {
	v, ok := middleware.Identity(c)
	if !ok {
		return apperror.Auth(apperror.AuthMissing, nil)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	if err := h.Sessions.Revoke(ctx, v); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// LogoutAll revokes every session of the caller, this one included.
func (h *AuthHandler) LogoutAll(c echo.Context) error {
	v, ok := middleware.Identity(c)
	if !ok {
		return apperror.Auth(apperror.AuthMissing, nil)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	if err := h.Sessions.RevokeAll(ctx, v.Subject); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type meResp struct {
	Account accountResp  `json:"account"`
	Claims  model.Claims `json:"claims"`
}

// Me returns the caller's account record and the claims their token carries.
func (h *AuthHandler) Me(c echo.Context) error {
	v, ok := middleware.Identity(c)
	if !ok {
		return apperror.Auth(apperror.AuthMissing, nil)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	acct, err := h.Accounts.GetBySubject(ctx, v.Subject)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, meResp{Account: accountOf(acct, true), Claims: v.Claims})
}
