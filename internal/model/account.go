package model

import (
	"sort"
	"time"
)

// Status is the approval status shared by accounts and role requests.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// transitions lists the legal status changes for a single review action.
// approved and rejected are terminal for a given record.
var transitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusApproved: {},
		StatusRejected: {},
	},
}

// CanTransition reports whether a review may move a record from one status to another.
func CanTransition(from, to Status) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// AccountKind describes who the account belongs to.
type AccountKind string

const (
	KindIndividual AccountKind = "individual"
	KindEmployee   AccountKind = "employee"
	KindPartner    AccountKind = "partner"
	KindSuperAdmin AccountKind = "super_admin"
)

// Valid reports whether k is a known account kind.
func (k AccountKind) Valid() bool {
	switch k {
	case KindIndividual, KindEmployee, KindPartner, KindSuperAdmin:
		return true
	}
	return false
}

// Account mirrors the `accounts` table plus the role set from
// `account_roles`. SubjectID is the identity provider's subject and never
// changes once written.
//
// ClaimsVersion is bumped by every change that affects the claims
// projection; ClaimsSyncedVersion records the last version pushed to the
// identity provider. An account is stale while the two differ.
type Account struct {
	ID                  uint64
	SubjectID           string
	Email               string
	DisplayName         string
	PasswordHash        string // empty for provider-only sign-ins
	Kind                AccountKind
	Status              Status
	Roles               []Role
	RejectionReason     string
	CreatedAt           time.Time
	ApprovedAt          *time.Time
	RejectedAt          *time.Time
	ClaimsVersion       uint64
	ClaimsSyncedVersion uint64
	ClaimsSyncedAt      *time.Time
}

// HasRole reports whether r is in the account's effective role set.
func (a *Account) HasRole(r Role) bool {
	for _, have := range a.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the account may review role requests.
func (a *Account) IsAdmin() bool {
	if a.Status != StatusApproved {
		return false
	}
	return a.Kind == KindSuperAdmin || a.HasRole(RoleAdmin)
}

// ClaimsStale reports whether the provider's copy lags this record.
func (a *Account) ClaimsStale() bool {
	return a.ClaimsSyncedVersion < a.ClaimsVersion
}

// SortRoles orders roles by name so projections are stable.
func SortRoles(roles []Role) []Role {
	out := append([]Role(nil), roles...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
