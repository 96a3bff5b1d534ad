package model

import (
	"strings"
	"time"
)

// Role is an application role an account may request.
type Role string

const (
	RoleAdmin            Role = "admin"
	RoleInventoryManager Role = "inventory_manager"
	RoleTransporter      Role = "transporter"
	RoleCoordinator      Role = "coordinator"
	RolePartner          Role = "partner"
)

// AllRoles is the fixed enumeration of requestable roles.
var AllRoles = []Role{RoleAdmin, RoleInventoryManager, RoleTransporter, RoleCoordinator, RolePartner}

// ParseRole normalizes s and returns the matching Role.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllRoles {
		if r == known {
			return r, true
		}
	}
	return "", false
}

// RoleSet de-duplicates roles while preserving their first-seen order.
func RoleSet(roles []Role) []Role {
	seen := make(map[Role]struct{}, len(roles))
	out := make([]Role, 0, len(roles))
	for _, r := range roles {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// IsSubset reports whether every role in sub is also in set.
func IsSubset(sub, set []Role) bool {
	have := make(map[Role]struct{}, len(set))
	for _, r := range set {
		have[r] = struct{}{}
	}
	for _, r := range sub {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

// RoleRequest mirrors the `role_requests` table. A request references its
// account one way; the reverse lookup is a query by AccountID.
type RoleRequest struct {
	ID              uint64
	AccountID       uint64
	RequestedRoles  []Role
	Justification   string
	Status          Status
	ReviewerID      *uint64 // set iff not pending
	ApprovedRoles   []Role
	RejectionReason string // set iff rejected
	CreatedAt       time.Time
	ReviewedAt      *time.Time
}

// Reviewer identifies the administrator acting on a request.
type Reviewer struct {
	AccountID uint64
	SubjectID string
}

// RejectPolicy decides whether rejecting a role request also rejects the
// account that filed it.
type RejectPolicy string

const (
	RejectFirst  RejectPolicy = "first"  // only when it was the account's first request
	RejectAlways RejectPolicy = "always" // every rejection rejects the account
	RejectNever  RejectPolicy = "never"  // rejections stay scoped to the request
)

// ParseRejectPolicy falls back to RejectFirst for unknown values.
func ParseRejectPolicy(s string) RejectPolicy {
	switch p := RejectPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case RejectAlways, RejectNever:
		return p
	}
	return RejectFirst
}

// RejectsAccount reports whether a rejection rejects the account, given how
// many requests the account has filed in total (including this one).
func (p RejectPolicy) RejectsAccount(totalRequests int) bool {
	switch p {
	case RejectAlways:
		return true
	case RejectNever:
		return false
	}
	return totalRequests <= 1
}
