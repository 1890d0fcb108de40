package storage

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"tasklist-api/domain"
)

// MySQL server error numbers.
const (
	mysqlDuplicateEntry  = 1062
	mysqlCheckViolated   = 3819
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// Postgres SQLSTATE codes.
const (
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

type violation int

const (
	noViolation violation = iota
	uniqueViolation
	checkViolation
)

// classifyViolation reports whether err is a constraint failure and which
// column it concerns.
func classifyViolation(err error) (violation, string) {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return uniqueViolation, columnFromMessage(after(sqliteErr.Error(), "failed: "))
		case sqlite3.ErrConstraintCheck:
			return checkViolation, columnFromMessage(after(sqliteErr.Error(), "failed: "))
		}
		return noViolation, ""
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlDuplicateEntry:
			return uniqueViolation, columnFromMessage(after(mysqlErr.Message, "for key "))
		case mysqlCheckViolated:
			return checkViolation, columnFromMessage(mysqlErr.Message)
		}
		return noViolation, ""
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return uniqueViolation, columnFromMessage(pgErr.ConstraintName)
		case pgCheckViolation:
			return checkViolation, columnFromMessage(pgErr.ConstraintName)
		}
	}
	return noViolation, ""
}

// after returns the text following the last occurrence of marker, so that
// duplicated values quoted earlier in a message are ignored.
func after(msg, marker string) string {
	if i := strings.LastIndex(msg, marker); i >= 0 {
		return msg[i+len(marker):]
	}
	return msg
}

func columnFromMessage(msg string) string {
	switch {
	case strings.Contains(msg, "sort_order"):
		return "order"
	case strings.Contains(msg, "cost"):
		return "cost"
	case strings.Contains(msg, "name"):
		return "name"
	}
	return ""
}

// isTransient reports engine-level conflicts that are safe to retry from the
// start of the transaction.
func isTransient(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDeadlock || mysqlErr.Number == mysqlLockWaitTimeout
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	return false
}

// translate maps a driver error to the domain taxonomy. Errors that already
// carry a domain kind pass through unchanged.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.Error{Kind: domain.ErrNotFound, Msg: "task not found", Err: err}
	}
	switch v, column := classifyViolation(err); v {
	case uniqueViolation:
		if column == "name" {
			return domain.Conflict("name", domain.MsgNameInUse, err)
		}
		return domain.Conflict(column, "order already taken", err)
	case checkViolation:
		if column == "cost" {
			return domain.Conflict("cost", "cost cannot be negative", err)
		}
		return domain.Conflict(column, "constraint check failed", err)
	}
	return domain.StorageFailure(op, err)
}
