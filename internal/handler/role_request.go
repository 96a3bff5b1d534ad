package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ewaste-tracker/internal/apperror"
	"github.com/iliyamo/ewaste-tracker/internal/middleware"
	"github.com/iliyamo/ewaste-tracker/internal/model"
)

// Approvals is the role-request workflow. approval.Service implements it.
type Approvals interface {
	Submit(ctx context.Context, accountID uint64, roles []model.Role, justification string) (*model.RoleRequest, error)
	Approve(ctx context.Context, requestID uint64, reviewer model.Reviewer, roles []model.Role) (*model.RoleRequest, error)
	Reject(ctx context.Context, requestID uint64, reviewer model.Reviewer, reason string) (*model.RoleRequest, error)
	Pending(ctx context.Context) ([]*model.RoleRequest, error)
	ListForAccount(ctx context.Context, accountID uint64) ([]*model.RoleRequest, error)
}

// RoleRequestHandler serves the account holder's own requests. Pending
// accounts may use it; that is how they ask for approval.
type RoleRequestHandler struct {
	Approvals Approvals
	Accounts  AccountReader
}

func NewRoleRequestHandler(a Approvals, accounts AccountReader) *RoleRequestHandler {
	return &RoleRequestHandler{Approvals: a, Accounts: accounts}
}

func (h *RoleRequestHandler) caller(ctx context.Context, c echo.Context) (*model.Account, error) {
	v, ok := middleware.Identity(c)
	if !ok {
		return nil, apperror.Auth(apperror.AuthMissing, nil)
	}
	return h.Accounts.GetBySubject(ctx, v.Subject)
}

// Submit files a role request for the caller.
func (h *RoleRequestHandler) Submit(c echo.Context) error {
	var req roleRequestReq
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	acct, err := h.caller(ctx, c)
	if err != nil {
		return err
	}
	rr, err := h.Approvals.Submit(ctx, acct.ID, toRoles(req.Roles), req.Justification)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, roleRequestOf(rr, true))
}

// List returns the caller's requests, newest first.
func (h *RoleRequestHandler) List(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	acct, err := h.caller(ctx, c)
	if err != nil {
		return err
	}
	list, err := h.Approvals.ListForAccount(ctx, acct.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"items": roleRequestsOf(list, true)})
}
