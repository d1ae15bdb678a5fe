package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

const (
	sqlstateUniqueViolation      = "23505"
	sqlstateCheckViolation       = "23514"
	sqlstateSerializationFailure = "40001"
	sqlstateDeadlockDetected     = "40P01"
	sqlstateLockNotAvailable     = "55P03"
)

func sqlState(err error) string {
	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return pgxErr.Code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// IsUniqueViolation reports whether the provided error is a Postgres unique
// violation. When constraintName is provided the match is narrowed to that
// constraint.
func IsUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if sqlState(err) == sqlstateUniqueViolation {
		if constraintName == "" {
			return true
		}
		return strings.Contains(err.Error(), constraintName)
	}
	// sqlite (tests) and driver-wrapped errors fall back to message matching.
	msg := err.Error()
	if constraintName != "" {
		return strings.Contains(msg, constraintName)
	}
	return strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

// IsCheckViolation reports whether the error is a check-constraint violation,
// the database-level defense behind the reservation quota.
func IsCheckViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if sqlState(err) == sqlstateCheckViolation {
		if constraintName == "" {
			return true
		}
		return strings.Contains(err.Error(), constraintName)
	}
	if constraintName != "" {
		return strings.Contains(err.Error(), constraintName)
	}
	return false
}

// IsRetryableTxError reports whether the transaction failed in a way that a
// fresh attempt can succeed: serialization failures, deadlocks, and lock
// timeouts. SQLSTATE is authoritative; message substrings cover errors the
// ORM has re-wrapped beyond recognition.
func IsRetryableTxError(err error) bool {
	if err == nil {
		return false
	}
	switch sqlState(err) {
	case sqlstateSerializationFailure, sqlstateDeadlockDetected, sqlstateLockNotAvailable:
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "deadlock detected") ||
		strings.Contains(msg, "could not serialize")
}
