package model

import "time"

// Claims is the projection of an account that the identity provider embeds
// in the tokens it issues. It is always derived from Account, never the
// other way round.
type Claims struct {
	Approved bool        `json:"approved"`
	Roles    []Role      `json:"roles"`
	Kind     AccountKind `json:"kind,omitempty"`
	SyncedAt time.Time   `json:"synced_at"`
	Version  uint64      `json:"version"`
}

// HasRole reports whether the claims grant r.
func (c Claims) HasRole(r Role) bool {
	for _, have := range c.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// ClaimsFor derives the claims snapshot for a.
func ClaimsFor(a *Account, now time.Time) Claims {
	roles := SortRoles(a.Roles)
	if roles == nil {
		roles = []Role{}
	}
	return Claims{
		Approved: a.Status == StatusApproved,
		Roles:    roles,
		Kind:     a.Kind,
		SyncedAt: now.UTC(),
		Version:  a.ClaimsVersion,
	}
}

// RevokedToken is a blacklist entry. ExpiresAt mirrors the token's own
// expiry; the entry is useless afterwards and may be dropped.
type RevokedToken struct {
	TokenID   string
	RevokedAt time.Time
	ExpiresAt time.Time
}
