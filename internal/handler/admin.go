package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ewaste-tracker/internal/apperror"
	"github.com/iliyamo/ewaste-tracker/internal/claimsync"
	"github.com/iliyamo/ewaste-tracker/internal/middleware"
	"github.com/iliyamo/ewaste-tracker/internal/model"
)

const reconcileTimeout = 2 * time.Minute

// Reconciler runs a claims reconciliation sweep.
type Reconciler interface {
	Reconcile(ctx context.Context, full bool) (claimsync.Report, error)
}

// SessionRevoker ends every session of a subject.
type SessionRevoker interface {
	RevokeAll(ctx context.Context, subject string) error
}

// AdminHandler serves the review queue. Routes are guarded by a fresh
// admin check, which leaves the reviewer's account in the context.
type AdminHandler struct {
	Approvals  Approvals
	Accounts   AccountReader
	Reconciler Reconciler
	Sessions   SessionRevoker
}

func NewAdminHandler(a Approvals, accounts AccountReader, r Reconciler, s SessionRevoker) *AdminHandler {
	return &AdminHandler{Approvals: a, Accounts: accounts, Reconciler: r, Sessions: s}
}

func reviewer(c echo.Context) (model.Reviewer, error) {
	a, ok := middleware.Account(c)
	if !ok {
		return model.Reviewer{}, apperror.Forbidden("reviewer is not an administrator")
	}
	return model.Reviewer{AccountID: a.ID, SubjectID: a.SubjectID}, nil
}

// Pending lists requests awaiting review, oldest first.
func (h *AdminHandler) Pending(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	list, err := h.Approvals.Pending(ctx)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"items": roleRequestsOf(list, false)})
}

// Approve grants a subset of the requested roles.
func (h *AdminHandler) Approve(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req approveReq
	if err := bind(c, &req); err != nil {
		return err
	}
	rev, err := reviewer(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	out, err := h.Approvals.Approve(ctx, id, rev, toRoles(req.Roles))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, roleRequestOf(out, false))
}

// Reject closes a request with a reason.
func (h *AdminHandler) Reject(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req rejectReq
	if err := bind(c, &req); err != nil {
		return err
	}
	rev, err := reviewer(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	out, err := h.Approvals.Reject(ctx, id, rev, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, roleRequestOf(out, false))
}

// Reconcile pushes stale claims now; ?full=true pushes every account.
func (h *AdminHandler) Reconcile(c echo.Context) error {
	full, _ := strconv.ParseBool(c.QueryParam("full"))
	ctx, cancel := context.WithTimeout(c.Request().Context(), reconcileTimeout)
	defer cancel()
	rep, err := h.Reconciler.Reconcile(ctx, full)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rep)
}

// RevokeSessions signs an account out everywhere.
func (h *AdminHandler) RevokeSessions(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	acct, err := h.Accounts.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := h.Sessions.RevokeAll(ctx, acct.SubjectID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
