// Package identity is the boundary to the identity provider: the party that
// signs session tokens and holds the custom claims clients present. The core
// treats it as a trusted oracle reached over the network, so every call may
// fail with an upstream error.
package identity

import (
	"context"
	"time"

	"github.com/iliyamo/ewaste-tracker/internal/apperror"
	"github.com/iliyamo/ewaste-tracker/internal/model"
)

// Token is a signed session token and the facts needed to revoke it.
type Token struct {
	Raw       string    `json:"token"`
	ID        string    `json:"-"`
	Subject   string    `json:"-"`
	IssuedAt  time.Time `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Verified is the result of a successful signature and expiry check.
type Verified struct {
	Subject   string
	TokenID   string
	Claims    model.Claims
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// User is a provider-side identity.
type User struct {
	Subject   string
	Email     string
	CreatedAt time.Time
}

// Provider is the contract the core consumes.
type Provider interface {
	// VerifyToken checks signature then expiry. Failures are apperror Auth
	// errors with reason invalid_signature or expired.
	VerifyToken(ctx context.Context, raw string) (*Verified, error)
	// IssueCustomToken signs a token for subject carrying the claims the
	// provider currently holds for it.
	IssueCustomToken(ctx context.Context, subject string, ttl time.Duration) (Token, error)
	// SetClaims replaces the custom claims of subject. Unknown subjects
	// fail with ErrUnknownSubject, which is permanent.
	SetClaims(ctx context.Context, subject string, claims model.Claims) error
	CreateUser(ctx context.Context, email string) (User, error)
	LookupUser(ctx context.Context, subject string) (User, error)
}

// ErrUnknownSubject is returned when the provider has no user for a subject.
var ErrUnknownSubject = apperror.NotFound("unknown subject")
