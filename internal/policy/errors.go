package policy

import (
	"errors"
	"fmt"
)

var (
	// ErrPolicyViolation reports input rejected by an enabled policy check.
	ErrPolicyViolation = errors.New("policy violation")

	// ErrOverrideInvalid reports an override token that is malformed, badly
	// signed, missing a reason or issued for longer than the maximum lifetime.
	ErrOverrideInvalid = errors.New("invalid override token")

	// ErrOverrideExpired reports an override token past its expiry.
	ErrOverrideExpired = errors.New("override token expired")

	// ErrOverrideScope reports a valid override that does not cover the
	// check or operation it was presented for.
	ErrOverrideScope = errors.New("override scope mismatch")
)

// ViolationError names the check that rejected an input.
type ViolationError struct {
	Check   Check
	Field   string
	Value   string
	Message string
}

// Error implements the error interface.
func (e *ViolationError) Error() string {
	return fmt.Sprintf("policy %s: %s: %s", e.Check, e.Field, e.Message)
}

// Unwrap returns ErrPolicyViolation.
func (e *ViolationError) Unwrap() error {
	return ErrPolicyViolation
}

// IsViolation returns true if err is a policy check failure.
func IsViolation(err error) bool {
	return errors.Is(err, ErrPolicyViolation)
}

// IsOverrideError returns true if err rejects an override token.
func IsOverrideError(err error) bool {
	return errors.Is(err, ErrOverrideInvalid) ||
		errors.Is(err, ErrOverrideExpired) ||
		errors.Is(err, ErrOverrideScope)
}
