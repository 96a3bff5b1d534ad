package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema holds the tables owned by the approval core. pending_slot is 1
// while a role request is pending and NULL afterwards; the unique key on
// (account_id, pending_slot) therefore admits at most one pending request
// per account, since MySQL unique indexes ignore NULLs.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id                    BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		subject_id            VARCHAR(128)    NOT NULL,
		email                 VARCHAR(255)    NOT NULL,
		display_name          VARCHAR(255)    NOT NULL DEFAULT '',
		password_hash         VARCHAR(255)    NULL,
		kind                  VARCHAR(32)     NOT NULL,
		approval_status       VARCHAR(16)     NOT NULL DEFAULT 'pending',
		rejection_reason      TEXT            NULL,
		approved_at           DATETIME        NULL,
		rejected_at           DATETIME        NULL,
		claims_version        BIGINT UNSIGNED NOT NULL DEFAULT 1,
		claims_synced_version BIGINT UNSIGNED NOT NULL DEFAULT 0,
		claims_synced_at      DATETIME        NULL,
		created_at            DATETIME        NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at            DATETIME        NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		UNIQUE KEY uq_accounts_subject (subject_id),
		UNIQUE KEY uq_accounts_email (email),
		KEY ix_accounts_claims (claims_synced_version, claims_version)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS account_roles (
		account_id BIGINT UNSIGNED NOT NULL,
		role       VARCHAR(32)     NOT NULL,
		granted_at DATETIME        NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (account_id, role),
		CONSTRAINT fk_account_roles_account FOREIGN KEY (account_id) REFERENCES accounts (id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS role_requests (
		id               BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		account_id       BIGINT UNSIGNED NOT NULL,
		requested_roles  JSON            NOT NULL,
		justification    TEXT            NOT NULL,
		status           VARCHAR(16)     NOT NULL DEFAULT 'pending',
		pending_slot     TINYINT         NULL DEFAULT 1,
		reviewer_id      BIGINT UNSIGNED NULL,
		approved_roles   JSON            NULL,
		rejection_reason TEXT            NULL,
		created_at       DATETIME        NOT NULL DEFAULT CURRENT_TIMESTAMP,
		reviewed_at      DATETIME        NULL,
		UNIQUE KEY uq_role_requests_pending (account_id, pending_slot),
		KEY ix_role_requests_status (status, created_at),
		CONSTRAINT fk_role_requests_account FOREIGN KEY (account_id) REFERENCES accounts (id),
		CONSTRAINT fk_role_requests_reviewer FOREIGN KEY (reviewer_id) REFERENCES accounts (id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// Migrate creates the core tables when they do not exist yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	return nil
}
