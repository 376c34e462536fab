package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// Sentinel errors. Every error the store returns for these conditions is a
// *LedgerError that unwraps to one of them, so errors.Is works on any layer.
var (
	ErrAppendOnlyViolation    = errors.New("append-only violation")
	ErrReadOnlyView           = errors.New("read-only view")
	ErrOwnerAlreadyAssigned   = errors.New("owner already assigned")
	ErrNoCurrentOwner         = errors.New("no current owner")
	ErrUnknownEntity          = errors.New("unknown entity")
	ErrEntityReferenced       = errors.New("entity is referenced")
	ErrInvalidDeclarationKind = errors.New("invalid declaration kind")
	ErrUnknownSupersedes      = errors.New("unknown superseded declaration")
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrStorageUnavailable     = errors.New("storage unavailable")
)

// ErrorCode categorizes ledger errors.
type ErrorCode string

const (
	// CodeAppendOnlyViolation indicates an attempted mutation of committed history.
	CodeAppendOnlyViolation ErrorCode = "APPEND_ONLY_VIOLATION"

	// CodeInvariantViolation indicates client input that breaks a ledger invariant.
	CodeInvariantViolation ErrorCode = "INVARIANT_VIOLATION"

	// CodeInvalidArgument indicates malformed input.
	CodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"

	// CodeStorageUnavailable indicates a transient infrastructure failure.
	// The caller may retry; the store never does.
	CodeStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
)

// LedgerError reports which constraint a ledger operation failed.
type LedgerError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Constraint names the rule that failed, e.g. "ownership.single_open".
	Constraint string

	// Message is a human-readable description.
	Message string

	// Details contains additional context.
	Details map[string]string

	// Err is the sentinel this error unwraps to.
	Err error
}

// Error implements the error interface.
func (e *LedgerError) Error() string {
	if e.Constraint != "" {
		return fmt.Sprintf("%s: %s (constraint=%s)", e.Code, e.Message, e.Constraint)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the sentinel.
func (e *LedgerError) Unwrap() error {
	return e.Err
}

func codeFor(sentinel error) ErrorCode {
	switch sentinel {
	case ErrAppendOnlyViolation, ErrReadOnlyView:
		return CodeAppendOnlyViolation
	case ErrInvalidArgument:
		return CodeInvalidArgument
	case ErrStorageUnavailable:
		return CodeStorageUnavailable
	default:
		return CodeInvariantViolation
	}
}

func newLedgerError(sentinel error, constraint, message string, details map[string]string) *LedgerError {
	return &LedgerError{
		Code:       codeFor(sentinel),
		Constraint: constraint,
		Message:    message,
		Details:    details,
		Err:        sentinel,
	}
}

func invalidArgument(constraint, message string) *LedgerError {
	return newLedgerError(ErrInvalidArgument, constraint, message, nil)
}

// IsAppendOnlyViolation returns true if err reports an attempted mutation
// of committed history, including writes through a read-only view.
func IsAppendOnlyViolation(err error) bool {
	return errors.Is(err, ErrAppendOnlyViolation) || errors.Is(err, ErrReadOnlyView)
}

// IsInvariantViolation returns true if err is a client-input invariant failure.
// Uses errors.As to handle wrapped errors.
func IsInvariantViolation(err error) bool {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Code == CodeInvariantViolation
	}
	return false
}

// IsStorageUnavailable returns true if err is a transient storage failure.
func IsStorageUnavailable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// CodeOf extracts the ErrorCode from err.
func CodeOf(err error) (ErrorCode, bool) {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Code, true
	}
	return "", false
}

// translateError maps driver errors to the ledger taxonomy.
// Errors that are already classified, and context cancellation, pass through.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var le *LedgerError
	if errors.As(err, &le) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) || errors.Is(err, driver.ErrBadConn) {
		return wrapStorage(err, "storage.connection")
	}

	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}

	msg := se.Error()
	switch se.Code {
	case sqlite3.ErrConstraint:
		return translateConstraint(se, msg, err)
	case sqlite3.ErrAuth:
		return &LedgerError{
			Code:       CodeAppendOnlyViolation,
			Constraint: "authorizer",
			Message:    "statement would mutate committed ledger history or its schema",
			Err:        ErrAppendOnlyViolation,
		}
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return wrapStorage(err, "storage.busy")
	case sqlite3.ErrReadonly:
		return wrapStorage(err, "storage.read_only")
	case sqlite3.ErrIoErr, sqlite3.ErrCantOpen, sqlite3.ErrFull, sqlite3.ErrNotADB,
		sqlite3.ErrCorrupt, sqlite3.ErrProtocol, sqlite3.ErrNomem:
		return wrapStorage(err, "storage.io")
	}
	return err
}

func translateConstraint(se sqlite3.Error, msg string, cause error) error {
	switch {
	case strings.Contains(msg, "append-only violation"):
		return &LedgerError{
			Code:       CodeAppendOnlyViolation,
			Constraint: "trigger",
			Message:    msg,
			Err:        ErrAppendOnlyViolation,
		}
	case strings.Contains(msg, "read-only view"):
		return &LedgerError{
			Code:       CodeAppendOnlyViolation,
			Constraint: "trigger.compat_view",
			Message:    msg,
			Err:        ErrReadOnlyView,
		}
	case strings.Contains(msg, "open ownership row exists"),
		se.ExtendedCode == sqlite3.ErrConstraintUnique && strings.Contains(msg, "state__recognition_owners"):
		return newLedgerError(ErrOwnerAlreadyAssigned, "ownership.single_open",
			"entity already has a current owner", nil)
	case se.ExtendedCode == sqlite3.ErrConstraintForeignKey, strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return newLedgerError(ErrEntityReferenced, "foreign_key",
			"row is referenced by ledger history", nil)
	case strings.Contains(msg, "declaration_kind"):
		return newLedgerError(ErrInvalidDeclarationKind, "declaration.kind", msg, nil)
	}
	return &LedgerError{
		Code:       CodeInvalidArgument,
		Constraint: "check",
		Message:    cause.Error(),
		Err:        ErrInvalidArgument,
	}
}

func wrapStorage(err error, constraint string) error {
	return &LedgerError{
		Code:       CodeStorageUnavailable,
		Constraint: constraint,
		Message:    err.Error(),
		Err:        errors.Join(ErrStorageUnavailable, err),
	}
}
