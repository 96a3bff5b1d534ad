package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/ewaste-tracker/internal/model"
)

const accountColumns = `id, subject_id, email, display_name, password_hash, kind, approval_status,
	rejection_reason, approved_at, rejected_at, claims_version, claims_synced_version,
	claims_synced_at, created_at`

// AccountRepo persists accounts and their effective role sets.
type AccountRepo struct{ DB *sql.DB }

func NewAccountRepo(db *sql.DB) *AccountRepo { return &AccountRepo{DB: db} }

// Create inserts the account and its initial roles in one transaction and
// returns the stored record. Email is normalized to lower case. A duplicate
// email or subject returns ErrEmailExists.
func (r *AccountRepo) Create(ctx context.Context, a *model.Account) (*model.Account, error) {
	email := strings.ToLower(strings.TrimSpace(a.Email))
	status := a.Status
	if status == "" {
		status = model.StatusPending
	}
	now := a.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	var approvedAt *time.Time
	if status == model.StatusApproved {
		approvedAt = &now
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO accounts (subject_id, email, display_name, password_hash, kind, approval_status, approved_at, created_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		a.SubjectID, email, a.DisplayName, nullString(a.PasswordHash), string(a.Kind), string(status), approvedAt, now)
	if err != nil {
		if isDuplicate(err) {
			return nil, ErrEmailExists
		}
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	roles := model.RoleSet(a.Roles)
	if err := grantRolesTx(ctx, tx, uint64(id), roles, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true

	out := *a
	out.ID = uint64(id)
	out.Email = email
	out.Status = status
	out.Roles = model.SortRoles(roles)
	out.CreatedAt = now
	out.ApprovedAt = approvedAt
	out.ClaimsVersion = 1
	return &out, nil
}

// GetByID fetches an account with its roles.
func (r *AccountRepo) GetByID(ctx context.Context, id uint64) (*model.Account, error) {
	return r.getOne(ctx, "id = ?", id)
}

// GetBySubject fetches an account by identity-provider subject.
func (r *AccountRepo) GetBySubject(ctx context.Context, subject string) (*model.Account, error) {
	return r.getOne(ctx, "subject_id = ?", subject)
}

// GetByEmail fetches an account by normalized email.
func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	return r.getOne(ctx, "email = ?", strings.ToLower(strings.TrimSpace(email)))
}

func (r *AccountRepo) getOne(ctx context.Context, where string, arg any) (*model.Account, error) {
	row := r.DB.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE "+where+" LIMIT 1", arg)
	a, err := scanAccount(row)
	if err != nil {
		return nil, notFound("account", err)
	}
	if a.Roles, err = r.rolesOf(ctx, a.ID); err != nil {
		return nil, err
	}
	return a, nil
}

// ListForReconcile pages through accounts ordered by id, starting after
// afterID. Unless full is set only accounts whose claims are stale are
// returned.
func (r *AccountRepo) ListForReconcile(ctx context.Context, afterID uint64, limit int, full bool) ([]*model.Account, error) {
	q := "SELECT " + accountColumns + " FROM accounts WHERE id > ?"
	if !full {
		q += " AND claims_synced_version < claims_version"
	}
	q += " ORDER BY id LIMIT ?"
	rows, err := r.DB.QueryContext(ctx, q, afterID, limit)
	if err != nil {
		return nil, err
	}
	var out []*model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for _, a := range out {
		if a.Roles, err = r.rolesOf(ctx, a.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// MarkClaimsSynced records that version was pushed to the identity
// provider. The stamp only moves forward, so a slow push of an older
// version cannot overwrite a newer one.
func (r *AccountRepo) MarkClaimsSynced(ctx context.Context, id, version uint64, at time.Time) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE accounts SET claims_synced_version=?, claims_synced_at=? WHERE id=? AND claims_synced_version < ?",
		version, at.UTC(), id, version)
	return err
}

func (r *AccountRepo) rolesOf(ctx context.Context, id uint64) ([]model.Role, error) {
	rows, err := r.DB.QueryContext(ctx, "SELECT role FROM account_roles WHERE account_id=? ORDER BY role", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	roles := []model.Role{}
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, model.Role(role))
	}
	return roles, rows.Err()
}

// grantRolesTx merges roles into the account's role set. INSERT IGNORE keeps
// roles that are already present, so concurrent grants cannot lose one another.
func grantRolesTx(ctx context.Context, tx *sql.Tx, accountID uint64, roles []model.Role, at time.Time) error {
	if len(roles) == 0 {
		return nil
	}
	q := "INSERT IGNORE INTO account_roles (account_id, role, granted_at) VALUES "
	args := make([]any, 0, len(roles)*3)
	for i, role := range roles {
		if i > 0 {
			q += ","
		}
		q += "(?, ?, ?)"
		args = append(args, accountID, string(role), at)
	}
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("grant roles: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(s rowScanner) (*model.Account, error) {
	var (
		a                  model.Account
		kind, status       string
		pwd, reason        sql.NullString
		approved, rejected sql.NullTime
		synced             sql.NullTime
	)
	err := s.Scan(&a.ID, &a.SubjectID, &a.Email, &a.DisplayName, &pwd, &kind, &status,
		&reason, &approved, &rejected, &a.ClaimsVersion, &a.ClaimsSyncedVersion, &synced, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.Kind = model.AccountKind(kind)
	a.Status = model.Status(status)
	a.PasswordHash = pwd.String
	a.RejectionReason = reason.String
	a.ApprovedAt = timePtr(approved)
	a.RejectedAt = timePtr(rejected)
	a.ClaimsSyncedAt = timePtr(synced)
	return &a, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
