package engine

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable failure kind. Calling layers map codes
// to HTTP statuses or CLI messages without parsing free text.
type Code string

const (
	CodeNotFound           Code = "not_found"
	CodeNotApproved        Code = "not_approved"
	CodeSelfClaimForbidden Code = "self_claim_forbidden"
	CodeAlreadyReserved    Code = "already_reserved"
	CodeTooManyClaims      Code = "too_many_concurrent_claims"
	CodeDuplicateTarget    Code = "duplicate_target"
	CodeNoSlotsAvailable   Code = "no_slots_available"
	CodeExpired            Code = "expired"
	CodeNotSubmitted       Code = "not_submitted"
	CodeSlotInvariant      Code = "slot_invariant_violation"
	CodeInsufficientFunds  Code = "insufficient_funds"
	CodeRateLimited        Code = "rate_limited"
	CodeInvalidArgument    Code = "invalid_argument"
)

// Error is a business-rule failure with a stable code. Precondition
// failures are returned synchronously and never retried by the engine.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return e.Message }

func errf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the failure code from err, or "" for plain errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
