// Package approval is the state machine for role requests and account
// approval. Every transition is a status-guarded conditional update in the
// store; this package validates input, checks the reviewer against the
// authoritative record and fans out the side effects.
package approval

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/ewaste-tracker/internal/apperror"
	"github.com/iliyamo/ewaste-tracker/internal/metrics"
	"github.com/iliyamo/ewaste-tracker/internal/model"
	"github.com/iliyamo/ewaste-tracker/internal/repository"
)

const maxJustification = 2000

// AccountStore is the authoritative account record.
type AccountStore interface {
	GetByID(ctx context.Context, id uint64) (*model.Account, error)
}

// RequestStore persists role requests. Approve and Reject must be
// compare-and-swap on status=pending.
type RequestStore interface {
	Create(ctx context.Context, req *model.RoleRequest) (*model.RoleRequest, error)
	GetByID(ctx context.Context, id uint64) (*model.RoleRequest, error)
	ListPending(ctx context.Context) ([]*model.RoleRequest, error)
	ListByAccount(ctx context.Context, accountID uint64) ([]*model.RoleRequest, error)
	Approve(ctx context.Context, p repository.ApproveParams) (*model.RoleRequest, error)
	Reject(ctx context.Context, p repository.RejectParams) (*model.RoleRequest, bool, error)
}

// ClaimsScheduler queues a claims push. It must not block.
type ClaimsScheduler interface {
	Schedule(accountID uint64)
}

// SessionRevoker ends every session of a subject.
type SessionRevoker interface {
	RevokeAll(ctx context.Context, subject string) error
}

type Options struct {
	Policy          model.RejectPolicy
	RevokeOnApprove bool
	Logger          logrus.FieldLogger
}

type Service struct {
	accounts        AccountStore
	requests        RequestStore
	claims          ClaimsScheduler
	sessions        SessionRevoker
	policy          model.RejectPolicy
	revokeOnApprove bool
	log             logrus.FieldLogger
	now             func() time.Time
}

func NewService(accounts AccountStore, requests RequestStore, claims ClaimsScheduler, sessions SessionRevoker, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Policy == "" {
		opts.Policy = model.RejectFirst
	}
	return &Service{
		accounts:        accounts,
		requests:        requests,
		claims:          claims,
		sessions:        sessions,
		policy:          opts.Policy,
		revokeOnApprove: opts.RevokeOnApprove,
		log:             opts.Logger,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// SetClock is for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Submit files a new pending request for the account.
func (s *Service) Submit(ctx context.Context, accountID uint64, roles []model.Role, justification string) (*model.RoleRequest, error) {
	roles, err := normalizeRoles(roles, "requested roles")
	if err != nil {
		return nil, err
	}
	justification = strings.TrimSpace(justification)
	if len(justification) > maxJustification {
		return nil, apperror.Validation("justification must be at most %d characters", maxJustification)
	}
	if _, err := s.accounts.GetByID(ctx, accountID); err != nil {
		return nil, err
	}

	req, err := s.requests.Create(ctx, &model.RoleRequest{
		AccountID:      accountID,
		RequestedRoles: roles,
		Justification:  justification,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"account_id": accountID, "request_id": req.ID, "roles": roles}).
		Info("role request submitted")
	return req, nil
}

// Approve grants approvedRoles, which must be a non-empty subset of the
// requested roles, and approves the account. An unknown or already decided
// request is reported before anything is said about approvedRoles.
func (s *Service) Approve(ctx context.Context, requestID uint64, reviewer model.Reviewer, approvedRoles []model.Role) (*model.RoleRequest, error) {
	if err := s.authorize(ctx, reviewer); err != nil {
		return nil, err
	}
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := s.checkReviewable(req, reviewer, model.StatusApproved); err != nil {
		return nil, err
	}
	approvedRoles, err = normalizeRoles(approvedRoles, "approved roles")
	if err != nil {
		return nil, err
	}
	if !model.IsSubset(approvedRoles, req.RequestedRoles) {
		return nil, apperror.Validation("approved roles must be a subset of the requested roles")
	}

	out, err := s.requests.Approve(ctx, repository.ApproveParams{
		RequestID:     requestID,
		ReviewerID:    reviewer.AccountID,
		ApprovedRoles: approvedRoles,
		At:            s.now(),
	})
	if err != nil {
		metrics.ApprovalTransitions.WithLabelValues(string(model.StatusApproved), outcome(err)).Inc()
		return nil, err
	}
	metrics.ApprovalTransitions.WithLabelValues(string(model.StatusApproved), "ok").Inc()
	s.log.WithFields(logrus.Fields{
		"request_id":  requestID,
		"account_id":  out.AccountID,
		"reviewer_id": reviewer.AccountID,
		"roles":       approvedRoles,
	}).Info("role request approved")

	s.claims.Schedule(out.AccountID)
	if s.revokeOnApprove {
		s.revokeSessions(ctx, out.AccountID, "approval")
	}
	return out, nil
}

// Reject closes the request with reason. Roles the account already holds
// are kept; whether the account itself is rejected follows the policy.
func (s *Service) Reject(ctx context.Context, requestID uint64, reviewer model.Reviewer, reason string) (*model.RoleRequest, error) {
	if err := s.authorize(ctx, reviewer); err != nil {
		return nil, err
	}
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := s.checkReviewable(req, reviewer, model.StatusRejected); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperror.Validation("rejection reason is required")
	}

	out, accountRejected, err := s.requests.Reject(ctx, repository.RejectParams{
		RequestID:  requestID,
		ReviewerID: reviewer.AccountID,
		Reason:     reason,
		Policy:     s.policy,
		At:         s.now(),
	})
	if err != nil {
		metrics.ApprovalTransitions.WithLabelValues(string(model.StatusRejected), outcome(err)).Inc()
		return nil, err
	}
	metrics.ApprovalTransitions.WithLabelValues(string(model.StatusRejected), "ok").Inc()
	s.log.WithFields(logrus.Fields{
		"request_id":       requestID,
		"account_id":       out.AccountID,
		"reviewer_id":      reviewer.AccountID,
		"account_rejected": accountRejected,
	}).Info("role request rejected")

	s.claims.Schedule(out.AccountID)
	if accountRejected {
		s.revokeSessions(ctx, out.AccountID, "account rejected")
	}
	return out, nil
}

// Pending lists requests awaiting review, oldest first.
func (s *Service) Pending(ctx context.Context) ([]*model.RoleRequest, error) {
	return s.requests.ListPending(ctx)
}

// ListForAccount lists an account's requests, newest first.
func (s *Service) ListForAccount(ctx context.Context, accountID uint64) ([]*model.RoleRequest, error) {
	return s.requests.ListByAccount(ctx, accountID)
}

// authorize re-reads the reviewer instead of trusting token claims, which
// may lag a revocation of admin rights.
func (s *Service) authorize(ctx context.Context, reviewer model.Reviewer) error {
	a, err := s.accounts.GetByID(ctx, reviewer.AccountID)
	if errors.Is(err, apperror.ErrNotFound) {
		return apperror.Forbidden("reviewer is not an administrator")
	}
	if err != nil {
		return err
	}
	if !a.IsAdmin() {
		return apperror.Forbidden("reviewer is not an administrator")
	}
	if reviewer.SubjectID != "" && reviewer.SubjectID != a.SubjectID {
		return apperror.Forbidden("reviewer identity mismatch")
	}
	return nil
}

func (s *Service) checkReviewable(req *model.RoleRequest, reviewer model.Reviewer, to model.Status) error {
	if !model.CanTransition(req.Status, to) {
		return apperror.InvalidState("role request is already %s", req.Status)
	}
	if req.AccountID == reviewer.AccountID {
		return apperror.Forbidden("reviewers cannot decide their own requests")
	}
	return nil
}

func (s *Service) revokeSessions(ctx context.Context, accountID uint64, why string) {
	log := s.log.WithFields(logrus.Fields{"account_id": accountID, "cause": why})
	a, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		log.WithError(err).Warn("session revocation skipped: account lookup failed")
		return
	}
	if err := s.sessions.RevokeAll(ctx, a.SubjectID); err != nil {
		log.WithError(err).Warn("session revocation failed")
	}
}

func normalizeRoles(roles []model.Role, field string) ([]model.Role, error) {
	if len(roles) == 0 {
		return nil, apperror.Validation("%s must not be empty", field)
	}
	out := make([]model.Role, 0, len(roles))
	for _, r := range roles {
		parsed, ok := model.ParseRole(string(r))
		if !ok {
			return nil, apperror.Validation("unknown role %q", r)
		}
		out = append(out, parsed)
	}
	return model.RoleSet(out), nil
}

func outcome(err error) string {
	return apperror.KindOf(err).String()
}
