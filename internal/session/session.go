// Package session issues, verifies and revokes session tokens. Signing is
// delegated to the identity provider; revocation is checked against a
// shared store.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/ewaste-tracker/internal/apperror"
	"github.com/iliyamo/ewaste-tracker/internal/identity"
	"github.com/iliyamo/ewaste-tracker/internal/metrics"
	"github.com/iliyamo/ewaste-tracker/internal/model"
)

// Store is the revocation list. tokenstore.Redis implements it.
type Store interface {
	Revoke(ctx context.Context, entry model.RevokedToken) error
	RevokeBefore(ctx context.Context, subject string, at time.Time, maxTTL time.Duration) error
	IsRevoked(ctx context.Context, tokenID, subject string, issuedAt time.Time) (bool, error)
}

type Service struct {
	provider identity.Provider
	store    Store
	ttl      time.Duration
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewService(provider identity.Provider, store Store, ttl time.Duration, log logrus.FieldLogger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		provider: provider,
		store:    store,
		ttl:      ttl,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock is for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// TTL is the lifetime of issued tokens.
func (s *Service) TTL() time.Duration { return s.ttl }

// Issue signs a session token for the account. The token carries the
// claims the provider holds, which may lag the account record.
func (s *Service) Issue(ctx context.Context, a *model.Account) (identity.Token, error) {
	if a == nil || a.SubjectID == "" {
		return identity.Token{}, apperror.Validation("account has no subject")
	}
	tok, err := s.provider.IssueCustomToken(ctx, a.SubjectID, s.ttl)
	if err != nil {
		return identity.Token{}, fmt.Errorf("issue session: %w", err)
	}
	return tok, nil
}

// Verify checks signature, then expiry, then the revocation store.
func (s *Service) Verify(ctx context.Context, raw string) (*identity.Verified, error) {
	if raw == "" {
		return nil, apperror.Auth(apperror.AuthMissing, nil)
	}
	v, err := s.provider.VerifyToken(ctx, raw)
	if err != nil {
		return nil, err
	}
	revoked, err := s.store.IsRevoked(ctx, v.TokenID, v.Subject, v.IssuedAt)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, apperror.Auth(apperror.AuthRevoked, nil)
	}
	return v, nil
}

// Revoke blacklists a verified token. It is idempotent.
func (s *Service) Revoke(ctx context.Context, v *identity.Verified) error {
	if v == nil {
		return nil
	}
	if !v.ExpiresAt.After(s.now()) {
		return nil
	}
	err := s.store.Revoke(ctx, model.RevokedToken{TokenID: v.TokenID, RevokedAt: s.now(), ExpiresAt: v.ExpiresAt})
	if err != nil {
		return err
	}
	metrics.TokensRevoked.WithLabelValues("token").Inc()
	s.log.WithField("subject", v.Subject).Debug("session revoked")
	return nil
}

// RevokeAll revokes every token of subject issued up to now.
func (s *Service) RevokeAll(ctx context.Context, subject string) error {
	if err := s.store.RevokeBefore(ctx, subject, s.now(), s.ttl); err != nil {
		return err
	}
	metrics.TokensRevoked.WithLabelValues("subject").Inc()
	s.log.WithField("subject", subject).Info("all sessions revoked")
	return nil
}
