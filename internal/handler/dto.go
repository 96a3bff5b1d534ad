package handler

import (
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ewaste-tracker/internal/apperror"
	"github.com/iliyamo/ewaste-tracker/internal/identity"
	"github.com/iliyamo/ewaste-tracker/internal/model"
)

type validatable interface {
	Validate() error
}

// bind decodes the body into dst and runs its rules.
func bind(c echo.Context, dst validatable) error {
	if err := c.Bind(dst); err != nil {
		return apperror.Validation("invalid body")
	}
	if err := dst.Validate(); err != nil {
		return validationError(err)
	}
	return nil
}

func pathID(c echo.Context, name string) (uint64, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		return 0, apperror.Validation("invalid %s", name)
	}
	return id, nil
}

func toRoles(in []string) []model.Role {
	out := make([]model.Role, 0, len(in))
	for _, s := range in {
		out = append(out, model.Role(s))
	}
	return out
}

// ----- requests -----

type registerReq struct {
	Email         string   `json:"email"`
	Password      string   `json:"password"`
	DisplayName   string   `json:"display_name"`
	Kind          string   `json:"kind"`
	Roles         []string `json:"roles"`
	Justification string   `json:"justification"`
}

func (r registerReq) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, validation.Length(3, 254), is.Email),
		validation.Field(&r.Password, validation.Required, validation.Length(8, 128)),
		validation.Field(&r.DisplayName, validation.Length(0, 120)),
		validation.Field(&r.Kind, validation.In(
			string(model.KindIndividual), string(model.KindEmployee), string(model.KindPartner))),
		validation.Field(&r.Roles, validation.Length(0, len(model.AllRoles))),
		validation.Field(&r.Justification, validation.Length(0, 2000)),
	)
}

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r loginReq) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required),
		validation.Field(&r.Password, validation.Required),
	)
}

type sessionReq struct {
	IDToken string `json:"id_token"`
}

func (r sessionReq) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.IDToken, validation.Required),
	)
}

type roleRequestReq struct {
	Roles         []string `json:"roles"`
	Justification string   `json:"justification"`
}

func (r roleRequestReq) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Roles, validation.Required, validation.Length(1, len(model.AllRoles))),
		validation.Field(&r.Justification, validation.Length(0, 2000)),
	)
}

type approveReq struct {
	Roles []string `json:"roles"`
}

func (r approveReq) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Roles, validation.Required, validation.Length(1, len(model.AllRoles))),
	)
}

type rejectReq struct {
	Reason string `json:"reason"`
}

func (r rejectReq) Validate() error {
	r.Reason = strings.TrimSpace(r.Reason)
	return validation.ValidateStruct(&r,
		validation.Field(&r.Reason, validation.Required, validation.Length(1, 2000)),
	)
}

// ----- responses -----

type tokenResp struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func tokenOf(t identity.Token) tokenResp {
	return tokenResp{Token: t.Raw, ExpiresAt: t.ExpiresAt}
}

type accountResp struct {
	ID              uint64       `json:"id"`
	Email           string       `json:"email"`
	DisplayName     string       `json:"display_name,omitempty"`
	Kind            string       `json:"kind"`
	Status          model.Status `json:"status"`
	Roles           []model.Role `json:"roles"`
	RejectionReason string       `json:"rejection_reason,omitempty"`
	ClaimsInSync    bool         `json:"claims_in_sync"`
	CreatedAt       time.Time    `json:"created_at"`
	ApprovedAt      *time.Time   `json:"approved_at,omitempty"`
	RejectedAt      *time.Time   `json:"rejected_at,omitempty"`
}

// accountOf renders an account. Rejection reasons are only shown to the
// account holder.
func accountOf(a *model.Account, owner bool) accountResp {
	roles := a.Roles
	if roles == nil {
		roles = []model.Role{}
	}
	out := accountResp{
		ID:           a.ID,
		Email:        a.Email,
		DisplayName:  a.DisplayName,
		Kind:         string(a.Kind),
		Status:       a.Status,
		Roles:        roles,
		ClaimsInSync: !a.ClaimsStale(),
		CreatedAt:    a.CreatedAt,
		ApprovedAt:   a.ApprovedAt,
		RejectedAt:   a.RejectedAt,
	}
	if owner {
		out.RejectionReason = a.RejectionReason
	}
	return out
}

type roleRequestResp struct {
	ID              uint64       `json:"id"`
	AccountID       uint64       `json:"account_id"`
	RequestedRoles  []model.Role `json:"requested_roles"`
	Justification   string       `json:"justification,omitempty"`
	Status          model.Status `json:"status"`
	ReviewerID      *uint64      `json:"reviewer_id,omitempty"`
	ApprovedRoles   []model.Role `json:"approved_roles,omitempty"`
	RejectionReason string       `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	ReviewedAt      *time.Time   `json:"reviewed_at,omitempty"`
}

func roleRequestOf(r *model.RoleRequest, owner bool) roleRequestResp {
	out := roleRequestResp{
		ID:             r.ID,
		AccountID:      r.AccountID,
		RequestedRoles: r.RequestedRoles,
		Justification:  r.Justification,
		Status:         r.Status,
		ReviewerID:     r.ReviewerID,
		ApprovedRoles:  r.ApprovedRoles,
		CreatedAt:      r.CreatedAt,
		ReviewedAt:     r.ReviewedAt,
	}
	if owner {
		out.RejectionReason = r.RejectionReason
	}
	return out
}

func roleRequestsOf(in []*model.RoleRequest, owner bool) []roleRequestResp {
	out := make([]roleRequestResp, 0, len(in))
	for _, r := range in {
		out = append(out, roleRequestOf(r, owner))
	}
	return out
}
