// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Common sentinels across repo/reconcile/service layers.
var (
	// ErrConflict indicates optimistic concurrency failure (stale lastRead).
	ErrConflict = errors.New("conflict")

	// ErrNotFound indicates the requested task/participant/folder does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied indicates the permission oracle vetoed the operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrValidation indicates malformed input (bad recurrence fields, external
	// participant without address, empty group).
	ErrValidation = errors.New("validation failed")

	// ErrInvalidState indicates a mutation that would violate a task invariant
	// (e.g. marking a task private while it has participants).
	ErrInvalidState = errors.New("invalid state")

	// ErrStorage indicates a transient storage failure that survived the retry bound.
	ErrStorage = errors.New("storage failure")

	// ErrConsistency indicates a sanity-check mismatch between expected and
	// actual storage state. Callers must not assume recoverability.
	ErrConsistency = errors.New("consistency violation")
)

// SQLSTATE class 40: transaction rollback (serialization failure, deadlock).
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// IsTransient reports whether the error is a retryable storage failure.
// Serialization failures and deadlocks qualify; domain sentinels never do.
func IsTransient(err error) bool {
	var pg *pgconn.PgError
	if errors.As(err, &pg) {
		return pg.Code == codeSerializationFailure || pg.Code == codeDeadlockDetected
	}
	return pgconn.SafeToRetry(err)
}
