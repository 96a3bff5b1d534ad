// Package repository implements MySQL persistence for accounts and role
// requests. Driver errors are translated here into the apperror taxonomy so
// callers never inspect SQL error codes: sql.ErrNoRows becomes NotFound and a
// unique-key violation becomes Conflict.
package repository

import (
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/ewaste-tracker/internal/apperror"
	"github.com/iliyamo/ewaste-tracker/internal/database"
)

// ErrEmailExists is returned when an account with the same email or subject
// already exists. The message stays generic so it does not confirm which.
var ErrEmailExists = apperror.Conflict("account already exists")

// ErrPendingExists is returned when an account already has a pending role request.
var ErrPendingExists = apperror.Conflict("a pending role request already exists for this account")

func notFound(what string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperror.NotFound("%s not found", what)
	}
	return err
}

// isForeignKeyMissing reports a MySQL 1452 (referenced row does not exist).
func isForeignKeyMissing(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1452
}

var isDuplicate = database.IsDuplicate
