package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/iliyamo/ewaste-tracker/internal/apperror"
	"github.com/iliyamo/ewaste-tracker/internal/model"
)

const roleRequestColumns = `id, account_id, requested_roles, justification, status, reviewer_id,
	approved_roles, rejection_reason, created_at, reviewed_at`

// RoleRequestRepo persists role requests. Review actions are
// compare-and-swap updates guarded by status='pending', so at most one
// reviewer action succeeds per request regardless of how many server
// instances race on it.
type RoleRequestRepo struct{ DB *sql.DB }

func NewRoleRequestRepo(db *sql.DB) *RoleRequestRepo { return &RoleRequestRepo{DB: db} }

// Create inserts a pending request. The (account_id, pending_slot) unique
// key turns a second pending request into ErrPendingExists.
func (r *RoleRequestRepo) Create(ctx context.Context, req *model.RoleRequest) (*model.RoleRequest, error) {
	roles, err := json.Marshal(req.RequestedRoles)
	if err != nil {
		return nil, err
	}
	now := req.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO role_requests (account_id, requested_roles, justification, status, pending_slot, created_at)
		 VALUES (?,?,?,?,1,?)`,
		req.AccountID, roles, req.Justification, string(model.StatusPending), now)
	if err != nil {
		switch {
		case isDuplicate(err):
			return nil, ErrPendingExists
		case isForeignKeyMissing(err):
			return nil, apperror.NotFound("account not found")
		}
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	out := *req
	out.ID = uint64(id)
	out.Status = model.StatusPending
	out.CreatedAt = now
	return &out, nil
}

func (r *RoleRequestRepo) GetByID(ctx context.Context, id uint64) (*model.RoleRequest, error) {
	row := r.DB.QueryRowContext(ctx, "SELECT "+roleRequestColumns+" FROM role_requests WHERE id=? LIMIT 1", id)
	req, err := scanRoleRequest(row)
	if err != nil {
		return nil, notFound("role request", err)
	}
	return req, nil
}

// ListPending returns pending requests oldest first.
func (r *RoleRequestRepo) ListPending(ctx context.Context) ([]*model.RoleRequest, error) {
	return r.list(ctx, "SELECT "+roleRequestColumns+" FROM role_requests WHERE status=? ORDER BY created_at, id",
		string(model.StatusPending))
}

// ListByAccount returns an account's requests newest first.
func (r *RoleRequestRepo) ListByAccount(ctx context.Context, accountID uint64) ([]*model.RoleRequest, error) {
	return r.list(ctx, "SELECT "+roleRequestColumns+" FROM role_requests WHERE account_id=? ORDER BY id DESC", accountID)
}

func (r *RoleRequestRepo) list(ctx context.Context, q string, args ...any) ([]*model.RoleRequest, error) {
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*model.RoleRequest{}
	for rows.Next() {
		req, err := scanRoleRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// ApproveParams carries one approve action.
type ApproveParams struct {
	RequestID     uint64
	ReviewerID    uint64
	ApprovedRoles []model.Role
	At            time.Time
}

// Approve moves the request to approved, approves the account, merges the
// approved roles into it and bumps its claims version, all in one
// transaction.
func (r *RoleRequestRepo) Approve(ctx context.Context, p ApproveParams) (*model.RoleRequest, error) {
	approved, err := json.Marshal(p.ApprovedRoles)
	if err != nil {
		return nil, err
	}
	at := p.At.UTC()

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
		`UPDATE role_requests SET status=?, pending_slot=NULL, reviewer_id=?, approved_roles=?, reviewed_at=?
		 WHERE id=? AND status=?`,
		string(model.StatusApproved), p.ReviewerID, approved, at, p.RequestID, string(model.StatusPending))
	if err != nil {
		return nil, err
	}
	if err := r.ensureTransitioned(ctx, tx, res, p.RequestID); err != nil {
		return nil, err
	}
	accountID, err := accountOfTx(ctx, tx, p.RequestID)
	if err != nil {
		return nil, err
	}
	if err := grantRolesTx(ctx, tx, accountID, p.ApprovedRoles, at); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET approval_status=?, approved_at=?, rejected_at=NULL, rejection_reason=NULL,
		 claims_version=claims_version+1 WHERE id=?`,
		string(model.StatusApproved), at, accountID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return r.GetByID(ctx, p.RequestID)
}

// RejectParams carries one reject action.
type RejectParams struct {
	RequestID  uint64
	ReviewerID uint64
	Reason     string
	Policy     model.RejectPolicy
	At         time.Time
}

// Reject moves the request to rejected. Roles the account already holds
// are untouched; whether the account itself is rejected is decided by the
// policy. The second return value reports whether it was.
func (r *RoleRequestRepo) Reject(ctx context.Context, p RejectParams) (*model.RoleRequest, bool, error) {
	at := p.At.UTC()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE role_requests SET status=?, pending_slot=NULL, reviewer_id=?, rejection_reason=?, reviewed_at=?
		 WHERE id=? AND status=?`,
		string(model.StatusRejected), p.ReviewerID, p.Reason, at, p.RequestID, string(model.StatusPending))
	if err != nil {
		return nil, false, err
	}
	if err := r.ensureTransitioned(ctx, tx, res, p.RequestID); err != nil {
		return nil, false, err
	}
	accountID, err := accountOfTx(ctx, tx, p.RequestID)
	if err != nil {
		return nil, false, err
	}
	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM role_requests WHERE account_id=?", accountID).Scan(&total); err != nil {
		return nil, false, err
	}
	rejectAccount := p.Policy.RejectsAccount(total)
	if rejectAccount {
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET approval_status=?, rejected_at=?, rejection_reason=?,
			 claims_version=claims_version+1 WHERE id=?`,
			string(model.StatusRejected), at, p.Reason, accountID); err != nil {
			return nil, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	committed = true
	req, err := r.GetByID(ctx, p.RequestID)
	return req, rejectAccount, err
}

// ensureTransitioned turns a zero-row CAS update into NotFound or
// InvalidState depending on whether the request exists.
func (r *RoleRequestRepo) ensureTransitioned(ctx context.Context, tx *sql.Tx, res sql.Result, id uint64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var status string
	err = tx.QueryRowContext(ctx, "SELECT status FROM role_requests WHERE id=?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return apperror.NotFound("role request not found")
	}
	if err != nil {
		return err
	}
	return apperror.InvalidState("role request is already %s", status)
}

func accountOfTx(ctx context.Context, tx *sql.Tx, requestID uint64) (uint64, error) {
	var accountID uint64
	err := tx.QueryRowContext(ctx, "SELECT account_id FROM role_requests WHERE id=?", requestID).Scan(&accountID)
	return accountID, notFound("role request", err)
}

func scanRoleRequest(s rowScanner) (*model.RoleRequest, error) {
	var (
		req        model.RoleRequest
		status     string
		requested  []byte
		approved   []byte
		reviewer   sql.NullInt64
		reason     sql.NullString
		reviewedAt sql.NullTime
	)
	err := s.Scan(&req.ID, &req.AccountID, &requested, &req.Justification, &status, &reviewer,
		&approved, &reason, &req.CreatedAt, &reviewedAt)
	if err != nil {
		return nil, err
	}
	req.Status = model.Status(status)
	if err := json.Unmarshal(requested, &req.RequestedRoles); err != nil {
		return nil, err
	}
	if len(approved) > 0 {
		if err := json.Unmarshal(approved, &req.ApprovedRoles); err != nil {
			return nil, err
		}
	}
	if reviewer.Valid {
		id := uint64(reviewer.Int64)
		req.ReviewerID = &id
	}
	req.RejectionReason = reason.String
	req.ReviewedAt = timePtr(reviewedAt)
	return &req, nil
}
