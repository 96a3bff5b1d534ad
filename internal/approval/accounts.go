package approval

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/ewaste-tracker/internal/apperror"
	"github.com/iliyamo/ewaste-tracker/internal/identity"
	"github.com/iliyamo/ewaste-tracker/internal/model"
	"github.com/iliyamo/ewaste-tracker/internal/utils"
)

const minPasswordLen = 8

// AccountWriter creates and looks up accounts.
type AccountWriter interface {
	Create(ctx context.Context, a *model.Account) (*model.Account, error)
	GetByID(ctx context.Context, id uint64) (*model.Account, error)
	GetBySubject(ctx context.Context, subject string) (*model.Account, error)
	GetByEmail(ctx context.Context, email string) (*model.Account, error)
}

// Users is the user registry of the identity provider.
type Users interface {
	CreateUser(ctx context.Context, email string) (identity.User, error)
	LookupUser(ctx context.Context, subject string) (identity.User, error)
}

// Registrar creates accounts. Every account starts pending unless it is
// the bootstrap super admin.
type Registrar struct {
	accounts   AccountWriter
	users      Users
	approvals  *Service
	claims     ClaimsScheduler
	bcryptCost int
	log        logrus.FieldLogger

	// compared against when the email is unknown so a failed login costs
	// the same either way
	dummyHash string
}

func NewRegistrar(accounts AccountWriter, users Users, approvals *Service, claims ClaimsScheduler, bcryptCost int, log logrus.FieldLogger) *Registrar {
	if log == nil {
		log = logrus.StandardLogger()
	}
	dummy, _ := utils.HashPassword("not-a-real-password", bcryptCost)
	return &Registrar{
		accounts:   accounts,
		users:      users,
		approvals:  approvals,
		claims:     claims,
		bcryptCost: bcryptCost,
		log:        log,
		dummyHash:  dummy,
	}
}

// Registration is a self-service sign-up.
type Registration struct {
	Email         string
	DisplayName   string
	Password      string
	Kind          model.AccountKind
	Roles         []model.Role // optional initial role request
	Justification string
}

// Register creates a pending account and, when roles are given, its first
// role request. The request is nil when no roles were asked for.
func (r *Registrar) Register(ctx context.Context, in Registration) (*model.Account, *model.RoleRequest, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" {
		return nil, nil, apperror.Validation("email is required")
	}
	if len(in.Password) < minPasswordLen {
		return nil, nil, apperror.Validation("password must be at least %d characters", minPasswordLen)
	}
	kind := in.Kind
	if kind == "" {
		kind = model.KindIndividual
	}
	if !kind.Valid() || kind == model.KindSuperAdmin {
		return nil, nil, apperror.Validation("invalid account kind %q", in.Kind)
	}
	if len(in.Roles) > 0 {
		if _, err := normalizeRoles(in.Roles, "roles"); err != nil {
			return nil, nil, err
		}
	}

	hash, err := utils.HashPassword(in.Password, r.bcryptCost)
	if err != nil {
		return nil, nil, err
	}
	user, err := r.users.CreateUser(ctx, email)
	if err != nil {
		return nil, nil, err
	}
	acct, err := r.accounts.Create(ctx, &model.Account{
		SubjectID:    user.Subject,
		Email:        email,
		DisplayName:  strings.TrimSpace(in.DisplayName),
		PasswordHash: hash,
		Kind:         kind,
		Status:       model.StatusPending,
	})
	if err != nil {
		return nil, nil, err
	}
	r.log.WithFields(logrus.Fields{"account_id": acct.ID, "kind": kind}).Info("account registered")
	r.claims.Schedule(acct.ID)

	if len(in.Roles) == 0 {
		return acct, nil, nil
	}
	req, err := r.approvals.Submit(ctx, acct.ID, in.Roles, in.Justification)
	if err != nil {
		return acct, nil, err
	}
	return acct, req, nil
}

// Login checks a password. Every failure is ErrInvalidCredentials.
func (r *Registrar) Login(ctx context.Context, email, password string) (*model.Account, error) {
	acct, err := r.accounts.GetByEmail(ctx, email)
	if errors.Is(err, apperror.ErrNotFound) {
		utils.VerifyPassword(r.dummyHash, password)
		return nil, apperror.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if acct.PasswordHash == "" || !utils.VerifyPassword(acct.PasswordHash, password) {
		return nil, apperror.ErrInvalidCredentials
	}
	return acct, nil
}

// EnsureAccount returns the account of a subject that signed in with the
// identity provider directly, creating a pending one on first sign-in.
func (r *Registrar) EnsureAccount(ctx context.Context, subject string) (*model.Account, error) {
	acct, err := r.accounts.GetBySubject(ctx, subject)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, apperror.ErrNotFound) {
		return nil, err
	}

	user, err := r.users.LookupUser(ctx, subject)
	if err != nil {
		return nil, err
	}
	acct, err = r.accounts.Create(ctx, &model.Account{
		SubjectID: subject,
		Email:     user.Email,
		Kind:      model.KindIndividual,
		Status:    model.StatusPending,
	})
	if errors.Is(err, apperror.ErrConflict) {
		// lost a race with a concurrent first sign-in
		return r.accounts.GetBySubject(ctx, subject)
	}
	if err != nil {
		return nil, err
	}
	r.log.WithField("account_id", acct.ID).Info("account created on first sign-in")
	r.claims.Schedule(acct.ID)
	return acct, nil
}

// BootstrapSuperAdmin makes sure an approved super admin exists for email.
// It is a no-op when the account already exists.
func (r *Registrar) BootstrapSuperAdmin(ctx context.Context, email, password string) (*model.Account, error) {
	existing, err := r.accounts.GetByEmail(ctx, email)
	if err == nil {
		if existing.Kind != model.KindSuperAdmin {
			r.log.WithField("account_id", existing.ID).Warn("bootstrap email belongs to a regular account; not promoting it")
		}
		return existing, nil
	}
	if !errors.Is(err, apperror.ErrNotFound) {
		return nil, err
	}
	if len(password) < minPasswordLen {
		return nil, apperror.Validation("super admin password must be at least %d characters", minPasswordLen)
	}

	hash, err := utils.HashPassword(password, r.bcryptCost)
	if err != nil {
		return nil, err
	}
	user, err := r.users.CreateUser(ctx, email)
	if err != nil {
		return nil, err
	}
	acct, err := r.accounts.Create(ctx, &model.Account{
		SubjectID:    user.Subject,
		Email:        email,
		DisplayName:  "Super Admin",
		PasswordHash: hash,
		Kind:         model.KindSuperAdmin,
		Status:       model.StatusApproved,
		Roles:        []model.Role{model.RoleAdmin},
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	r.log.WithField("account_id", acct.ID).Info("super admin bootstrapped")
	r.claims.Schedule(acct.ID)
	return acct, nil
}
