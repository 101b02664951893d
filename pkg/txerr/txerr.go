/*
Package txerr implements the error taxonomy and classifier described by
spec.md §4.1 (C1). Every failure the engine observes from the KV backend
is classified into an ErrorClass, then wrapped into an
OperationFailed carrying the retry/rollback/final-outcome
triple that every later protocol step (C4) and the driver (C5) branch on.

Classification (Classify) is pure and context-free: it only looks at the
backend Code and whether the call was a read or a write. The retry/
rollback/final flags are NOT derived automatically from the class — the
same class means different things at different protocol steps (a
CAS mismatch during replace() rolls the attempt back and the driver
retries with a fresh attempt; the same
mismatch during post-commit unstaging is fatal, spec.md §4.4.8). Callers
in pkg/attempt construct the wrapper with the flags their own step
requires, using the New/helper constructors below.
*/
package txerr

import (
	"errors"
	"fmt"

	"github.com/latticekv/txn/pkg/kv"
)

// ErrorClass is the C1 taxonomy (spec.md §4.1).
type ErrorClass string

const (
	FailOther               ErrorClass = "FAIL_OTHER"
	FailTransient           ErrorClass = "FAIL_TRANSIENT"
	FailAmbiguous           ErrorClass = "FAIL_AMBIGUOUS"
	FailHard                ErrorClass = "FAIL_HARD"
	FailExpiry              ErrorClass = "FAIL_EXPIRY"
	FailDocNotFound         ErrorClass = "FAIL_DOC_NOT_FOUND"
	FailDocAlreadyExists    ErrorClass = "FAIL_DOC_ALREADY_EXISTS"
	FailPathNotFound        ErrorClass = "FAIL_PATH_NOT_FOUND"
	FailPathAlreadyExists   ErrorClass = "FAIL_PATH_ALREADY_EXISTS"
	FailCasMismatch         ErrorClass = "FAIL_CAS_MISMATCH"
	FailWriteWriteConflict  ErrorClass = "FAIL_WRITE_WRITE_CONFLICT"
	FailAtrFull             ErrorClass = "FAIL_ATR_FULL"
	FailAtrNotFound         ErrorClass = "FAIL_ATR_NOT_FOUND"
)

// FinalOutcome is the terminal shape a failed attempt resolves to once
// the driver gives up retrying (spec.md §4.5, §7).
type FinalOutcome string

const (
	FinalNone             FinalOutcome = ""
	FinalFailed           FinalOutcome = "FAILED"
	FinalExpired          FinalOutcome = "EXPIRED"
	FinalFailedPostCommit FinalOutcome = "FAILED_POST_COMMIT"
	FinalAmbiguous        FinalOutcome = "AMBIGUOUS"
)

// Classify maps a backend Code onto an ErrorClass. isWrite distinguishes
// a mutating call (insert/mutate_in/remove) from a read (get/lookup_in):
// per spec.md §5, a timeout on a write is ambiguous (the mutation may
// have landed), while a timeout on a read is simply transient.
func Classify(code kv.Code, isWrite bool) ErrorClass {
	switch code {
	case kv.CodeSuccess:
		return ""
	case kv.CodeDocNotFound:
		return FailDocNotFound
	case kv.CodeDocExists:
		return FailDocAlreadyExists
	case kv.CodePathNotFound:
		return FailPathNotFound
	case kv.CodePathExists:
		return FailPathAlreadyExists
	case kv.CodeCasMismatch:
		return FailCasMismatch
	case kv.CodeTooLarge:
		return FailAtrFull
	case kv.CodeTimeout:
		if isWrite {
			return FailAmbiguous
		}
		return FailTransient
	case kv.CodeTemporaryFailure, kv.CodeDurableWriteInProgress:
		return FailTransient
	case kv.CodeDurabilityAmbiguous, kv.CodeAmbiguousTimeout:
		return FailAmbiguous
	case kv.CodeCanceled:
		return FailTransient
	default:
		return FailOther
	}
}

// OperationFailed is the wrapper every C1-classified failure is carried
// in once a protocol step has decided how the engine must react to it.
// It is an internal control-flow value, not normally shown to a caller
// of the public API directly (spec.md §9's re-architecture note): only
// the driver (C5) translates a terminal OperationFailed into one of the
// public error types below.
type OperationFailed struct {
	Class    ErrorClass
	Retry    bool
	Rollback bool
	Final    FinalOutcome
	Cause    error
}

func (e *OperationFailed) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transaction operation failed [%s]: %v", e.Class, e.Cause)
	}
	return fmt.Sprintf("transaction operation failed [%s]", e.Class)
}

func (e *OperationFailed) Unwrap() error { return e.Cause }

// New builds an OperationFailed with explicit flags. Most call sites
// should prefer one of the named helpers below; New exists for the
// cases spec.md's protocol narrative assigns a one-off combination.
func New(class ErrorClass, cause error, retry, rollback bool, final FinalOutcome) *OperationFailed {
	return &OperationFailed{Class: class, Retry: retry, Rollback: rollback, Final: final, Cause: cause}
}

// Transient wraps a FAIL_TRANSIENT failure: always retry and roll back
// the current attempt first (spec.md §4.1 invariant: retry implies
// rollback).
func Transient(cause error) *OperationFailed {
	return New(FailTransient, cause, true, true, FinalFailed)
}

// Ambiguous wraps a FAIL_AMBIGUOUS failure from a write whose outcome on
// the server is unknown.
func Ambiguous(cause error) *OperationFailed {
	return New(FailAmbiguous, cause, true, true, FinalFailed)
}

// Hard wraps a FAIL_HARD failure: never retried, never rolled back (the
// attempt is abandoned exactly where it stands).
func Hard(cause error) *OperationFailed {
	return New(FailHard, cause, false, false, FinalFailed)
}

// WriteWriteConflict wraps a FAIL_WRITE_WRITE_CONFLICT raised once the
// conflict-resolution backoff budget (spec.md §4.4.6 step 5) is
// exhausted. The engine's stated invariant is retry ⇒ rollback; this
// diverges deliberately from the original source's document_already_in_
// transaction, which leaves the attempt un-rolled-back on retry.
func WriteWriteConflict(cause error) *OperationFailed {
	return New(FailWriteWriteConflict, cause, true, true, FinalFailed)
}

// AtrFull wraps a FAIL_ATR_FULL failure: the selected ATR document has
// no room for another entry. Not retried: the attempt is rolled back and
// the transaction fails.
func AtrFull(cause error) *OperationFailed {
	return New(FailAtrFull, cause, false, true, FinalFailed)
}

// ExpiredNormal wraps the first expiry observed mid-attempt: stop
// staging further work and roll back (spec.md §4.4.9).
func ExpiredNormal(cause error) *OperationFailed {
	return New(FailExpiry, cause, false, true, FinalExpired)
}

// ExpiredOvertimeCommit wraps a second expiry observed while already
// past the commit point: the attempt's fate is unknown, so it resolves
// as ambiguous rather than expired or failed (spec.md §4.4.9).
func ExpiredOvertimeCommit(cause error) *OperationFailed {
	return New(FailExpiry, cause, false, false, FinalAmbiguous)
}

// ExpiredOvertimeOther wraps a second expiry observed before the commit
// point (e.g. during rollback itself): the attempt is simply expired.
func ExpiredOvertimeOther(cause error) *OperationFailed {
	return New(FailExpiry, cause, false, false, FinalExpired)
}

// FailedPostCommit wraps a failure observed after COMMITTED has already
// been durably recorded in the ATR: the transaction's documents already
// carry the committed change, so the outcome is FAILED_POST_COMMIT, not
// FAILED — the caller must not roll back (spec.md §4.4.8).
func FailedPostCommit(class ErrorClass, cause error) *OperationFailed {
	return New(class, cause, false, false, FinalFailedPostCommit)
}

// Public terminal error types (spec.md §4.5, §7). These are constructed
// only by the driver (C5) once it gives up retrying or the attempt
// resolves terminally; pkg/attempt never returns one directly.

// TransactionFailed is returned when a transaction's last attempt failed
// and was rolled back, and no further retry will be made.
type TransactionFailed struct {
	Cause        error
	AttemptCount int
}

func (e *TransactionFailed) Error() string {
	return fmt.Sprintf("transaction failed after %d attempt(s): %v", e.AttemptCount, e.Cause)
}

func (e *TransactionFailed) Unwrap() error { return e.Cause }

// TransactionExpired is returned when the overall transaction expiry was
// reached before a successful commit.
type TransactionExpired struct {
	Cause        error
	AttemptCount int
}

func (e *TransactionExpired) Error() string {
	return fmt.Sprintf("transaction expired after %d attempt(s): %v", e.AttemptCount, e.Cause)
}

func (e *TransactionExpired) Unwrap() error { return e.Cause }

// TransactionCommitAmbiguous is returned when the transaction may or may
// not have committed — the caller must treat the side effects as
// possibly applied and should query application state to find out.
type TransactionCommitAmbiguous struct {
	Cause        error
	AttemptCount int
}

func (e *TransactionCommitAmbiguous) Error() string {
	return fmt.Sprintf("transaction commit ambiguous after %d attempt(s): %v", e.AttemptCount, e.Cause)
}

func (e *TransactionCommitAmbiguous) Unwrap() error { return e.Cause }

// As is a thin convenience wrapper around errors.As for pulling an
// *OperationFailed out of an arbitrary error chain.
func As(err error) (*OperationFailed, bool) {
	var of *OperationFailed
	if errors.As(err, &of) {
		return of, true
	}
	return nil, false
}
