package db

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ErrRetryable marks failures the caller may retry with fresh state
// (serialization failures, deadlocks, dropped connections).
var ErrRetryable = errors.New("db: transient failure, retry")

const (
	codeInvalidText          = "22P02"
	codeUniqueViolation      = "23505"
	codeCheckViolation       = "23514"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeAdminShutdown        = "57P01"
)

// IsUniqueViolation reports whether err is a unique constraint failure,
// optionally restricted to one constraint or index name.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != codeUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// IsCheckViolation reports whether err is a CHECK constraint failure.
func IsCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeCheckViolation
}

// IsInvalidText reports whether Postgres refused a value that does not parse
// as its column type, such as a malformed uuid.
func IsInvalidText(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeInvalidText
}

// IsUUID reports whether id can be bound to a uuid column. Repositories
// treat anything else as a missing row.
func IsUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// IsTransient reports whether the transaction failed for reasons unrelated to
// the command itself.
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeAdminShutdown:
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err)
}
