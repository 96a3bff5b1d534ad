// Package claimsync pushes the authoritative approval state of accounts to
// the identity provider. The database is the only source of truth; the
// provider's claims are a projection that is retried and periodically
// reconciled until it matches.
package claimsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/iliyamo/ewaste-tracker/internal/apperror"
	"github.com/iliyamo/ewaste-tracker/internal/metrics"
	"github.com/iliyamo/ewaste-tracker/internal/model"
)

const reconcileBatch = 100

// AccountSource is the slice of the account repository the synchronizer needs.
type AccountSource interface {
	GetByID(ctx context.Context, id uint64) (*model.Account, error)
	ListForReconcile(ctx context.Context, afterID uint64, limit int, full bool) ([]*model.Account, error)
	MarkClaimsSynced(ctx context.Context, id, version uint64, at time.Time) error
}

// ClaimsPusher is the provider call the synchronizer makes.
type ClaimsPusher interface {
	SetClaims(ctx context.Context, subject string, claims model.Claims) error
}

// Report summarises a reconciliation sweep.
type Report struct {
	Scanned int `json:"scanned"`
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
}

type Synchronizer struct {
	accounts AccountSource
	provider ClaimsPusher
	retry    RetryPolicy
	pace     *rate.Limiter
	log      logrus.FieldLogger
	now      func() time.Time
}

// New builds a synchronizer. rps bounds provider pushes during a sweep;
// zero or less disables pacing.
func New(accounts AccountSource, provider ClaimsPusher, retry RetryPolicy, rps float64, log logrus.FieldLogger) *Synchronizer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &Synchronizer{
		accounts: accounts,
		provider: provider,
		retry:    retry.normalized(),
		pace:     rate.NewLimiter(limit, burst),
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Sync reads the account and pushes its claims. Transient provider
// failures are retried with backoff; a permanent rejection is logged and
// returned without retrying. Internal state is never rolled back.
func (s *Synchronizer) Sync(ctx context.Context, accountID uint64) error {
	a, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load account %d: %w", accountID, err)
	}
	return s.push(ctx, a)
}

func (s *Synchronizer) push(ctx context.Context, a *model.Account) error {
	log := s.log.WithFields(logrus.Fields{"account_id": a.ID, "claims_version": a.ClaimsVersion})
	now := s.now()
	claims := model.ClaimsFor(a, now)

	var err error
	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		err = s.provider.SetClaims(ctx, a.SubjectID, claims)
		if err == nil {
			break
		}
		if !apperror.IsTransient(err) {
			metrics.ClaimsSyncs.WithLabelValues("rejected").Inc()
			log.WithError(err).Warn("identity provider rejected claims; not retrying")
			return err
		}
		if attempt == s.retry.MaxAttempts {
			break
		}
		delay := s.retry.Delay(attempt)
		log.WithError(err).WithFields(logrus.Fields{"attempt": attempt, "retry_in": delay}).
			Debug("claims push failed, retrying")
		if werr := sleepCtx(ctx, delay); werr != nil {
			err = errors.Join(err, werr)
			break
		}
	}
	if err != nil {
		metrics.ClaimsSyncs.WithLabelValues("failed").Inc()
		log.WithError(err).Warn("claims push gave up; reconciliation will retry")
		return err
	}

	if err := s.accounts.MarkClaimsSynced(ctx, a.ID, a.ClaimsVersion, now); err != nil {
		// The push landed; a failed stamp only means the next sweep pushes again.
		log.WithError(err).Warn("claims pushed but sync stamp not recorded")
	}
	metrics.ClaimsSyncs.WithLabelValues("ok").Inc()
	log.Debug("claims synced")
	return nil
}

// Reconcile pushes claims for every account whose projection is stale, or
// every account when full is set. Individual failures are counted, not
// returned; the error is non-nil only when the sweep itself stops early.
func (s *Synchronizer) Reconcile(ctx context.Context, full bool) (Report, error) {
	var (
		rep     Report
		afterID uint64
	)
	for {
		batch, err := s.accounts.ListForReconcile(ctx, afterID, reconcileBatch, full)
		if err != nil {
			return rep, fmt.Errorf("list accounts: %w", err)
		}
		for _, a := range batch {
			afterID = a.ID
			rep.Scanned++
			if err := s.pace.Wait(ctx); err != nil {
				return rep, err
			}
			if err := s.push(ctx, a); err != nil {
				rep.Failed++
				continue
			}
			rep.Synced++
		}
		if len(batch) < reconcileBatch {
			break
		}
	}
	s.log.WithFields(logrus.Fields{
		"full":    full,
		"scanned": rep.Scanned,
		"synced":  rep.Synced,
		"failed":  rep.Failed,
	}).Info("claims reconciliation finished")
	return rep, nil
}
