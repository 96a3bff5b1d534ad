package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ewaste-tracker/internal/apperror"
	"github.com/iliyamo/ewaste-tracker/internal/model"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

var requestCols = []string{"id", "account_id", "requested_roles", "justification", "status", "reviewer_id",
	"approved_roles", "rejection_reason", "created_at", "reviewed_at"}

func TestRoleRequestCreate(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewRoleRequestRepo(db)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO role_requests").
		WithArgs(3, []byte(`["coordinator"]`), "I run the Saturday drop-off", "pending", now).
		WillReturnResult(sqlmock.NewResult(11, 1))

	req, err := repo.Create(context.Background(), &model.RoleRequest{
		AccountID:      3,
		RequestedRoles: []model.Role{model.RoleCoordinator},
		Justification:  "I run the Saturday drop-off",
		CreatedAt:      now,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(11), req.ID)
	assert.Equal(t, model.StatusPending, req.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoleRequestCreateDuplicatePending(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewRoleRequestRepo(db)

	mock.ExpectExec("INSERT INTO role_requests").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry '3-1' for key 'uq_role_requests_pending'"})

	_, err := repo.Create(context.Background(), &model.RoleRequest{
		AccountID:      3,
		RequestedRoles: []model.Role{model.RoleCoordinator},
	})
	assert.ErrorIs(t, err, apperror.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoleRequestCreateUnknownAccount(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewRoleRequestRepo(db)

	mock.ExpectExec("INSERT INTO role_requests").WillReturnError(&mysql.MySQLError{Number: 1452})

	_, err := repo.Create(context.Background(), &model.RoleRequest{AccountID: 99, RequestedRoles: []model.Role{model.RolePartner}})
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestRoleRequestApprove(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewRoleRequestRepo(db)
	at := time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE role_requests SET status").
		WithArgs("approved", 9, []byte(`["inventory_manager"]`), at, 5, "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT account_id FROM role_requests").WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"account_id"}).AddRow(3))
	mock.ExpectExec("INSERT IGNORE INTO account_roles").
		WithArgs(3, "inventory_manager", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE accounts SET approval_status").
		WithArgs("approved", at, 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT id, account_id, requested_roles").WithArgs(5).
		WillReturnRows(sqlmock.NewRows(requestCols).AddRow(5, 3, []byte(`["admin","inventory_manager"]`), "help sort intake",
			"approved", 9, []byte(`["inventory_manager"]`), nil, at.Add(-time.Hour), at))

	req, err := repo.Approve(context.Background(), ApproveParams{
		RequestID:     5,
		ReviewerID:    9,
		ApprovedRoles: []model.Role{model.RoleInventoryManager},
		At:            at,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, req.Status)
	assert.Equal(t, []model.Role{model.RoleAdmin, model.RoleInventoryManager}, req.RequestedRoles)
	assert.Equal(t, []model.Role{model.RoleInventoryManager}, req.ApprovedRoles)
	require.NotNil(t, req.ReviewerID)
	assert.Equal(t, uint64(9), *req.ReviewerID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoleRequestApproveLostRace(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewRoleRequestRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE role_requests SET status").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM role_requests").WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("rejected"))
	mock.ExpectRollback()

	_, err := repo.Approve(context.Background(), ApproveParams{RequestID: 5, ReviewerID: 9, At: time.Now()})
	assert.ErrorIs(t, err, apperror.ErrInvalidState)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoleRequestApproveUnknown(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewRoleRequestRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE role_requests SET status").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM role_requests").WithArgs(404).
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectRollback()

	_, err := repo.Approve(context.Background(), ApproveParams{RequestID: 404, ReviewerID: 9, At: time.Now()})
	assert.ErrorIs(t, err, apperror.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoleRequestRejectFirstRequestRejectsAccount(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewRoleRequestRepo(db)
	at := time.Date(2026, 5, 3, 8, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE role_requests SET status").
		WithArgs("rejected", 9, "insufficient justification", at, 6, "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT account_id FROM role_requests").WithArgs(6).
		WillReturnRows(sqlmock.NewRows([]string{"account_id"}).AddRow(4))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM role_requests`).WithArgs(4).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec("UPDATE accounts SET approval_status").
		WithArgs("rejected", at, "insufficient justification", 4).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT id, account_id, requested_roles").WithArgs(6).
		WillReturnRows(sqlmock.NewRows(requestCols).AddRow(6, 4, []byte(`["coordinator"]`), "", "rejected", 9,
			nil, "insufficient justification", at.Add(-time.Hour), at))

	req, rejected, err := repo.Reject(context.Background(), RejectParams{
		RequestID: 6, ReviewerID: 9, Reason: "insufficient justification", Policy: model.RejectFirst, At: at,
	})
	require.NoError(t, err)
	assert.True(t, rejected)
	assert.Equal(t, model.StatusRejected, req.Status)
	assert.Equal(t, "insufficient justification", req.RejectionReason)
	assert.Empty(t, req.ApprovedRoles)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoleRequestRejectLaterRequestKeepsAccount(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewRoleRequestRepo(db)
	at := time.Date(2026, 5, 3, 8, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE role_requests SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT account_id FROM role_requests").WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"account_id"}).AddRow(4))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM role_requests`).WithArgs(4).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT id, account_id, requested_roles").WithArgs(7).
		WillReturnRows(sqlmock.NewRows(requestCols).AddRow(7, 4, []byte(`["admin"]`), "", "rejected", 9,
			nil, "no", at, at))

	_, rejected, err := repo.Reject(context.Background(), RejectParams{
		RequestID: 7, ReviewerID: 9, Reason: "no", Policy: model.RejectFirst, At: at,
	})
	require.NoError(t, err)
	assert.False(t, rejected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoleRequestListPending(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewRoleRequestRepo(db)
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT id, account_id, requested_roles").WithArgs("pending").
		WillReturnRows(sqlmock.NewRows(requestCols).
			AddRow(1, 2, []byte(`["transporter"]`), "truck", "pending", nil, nil, nil, at, nil).
			AddRow(2, 3, []byte(`["partner"]`), "recycler", "pending", nil, nil, nil, at, nil))

	reqs, err := repo.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Nil(t, reqs[0].ReviewerID)
	assert.Nil(t, reqs[0].ReviewedAt)
	assert.Equal(t, []model.Role{model.RolePartner}, reqs[1].RequestedRoles)
	assert.NoError(t, mock.ExpectationsWereMet())
}
