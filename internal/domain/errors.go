package domain

import (
	"errors"
	"fmt"
)

// Rejection kinds reported by exchange operations. Callers match them with
// errors.Is; the concrete error is an *ExchangeError carrying the reason.
var (
	ErrPreconditionViolation = errors.New("precondition violation")
	ErrDeadlineViolation     = errors.New("deadline violation")
	ErrCommitmentMismatch    = errors.New("commitment mismatch")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrNotFound              = errors.New("not found")
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrAlreadyExists   = errors.New("already exists")
	ErrConflict        = errors.New("concurrent modification")
	ErrRateLimited     = errors.New("rate limited")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrLockHeld        = errors.New("lock already held")
)

// ExchangeError is returned by every rejected exchange operation.
type ExchangeError struct {
	Op         string
	ExchangeID int64
	Kind       error
	Reason     string
}

func (e *ExchangeError) Error() string {
	if e.ExchangeID > 0 {
		return fmt.Sprintf("%s exchange %d: %v: %s", e.Op, e.ExchangeID, e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Reason)
}

func (e *ExchangeError) Unwrap() error { return e.Kind }

// Reject builds an *ExchangeError of the given kind.
func Reject(op string, id int64, kind error, format string, args ...any) error {
	return &ExchangeError{Op: op, ExchangeID: id, Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// IsRejection reports whether err is a caller-facing rejection rather than
// an infrastructure failure.
func IsRejection(err error) bool {
	var xe *ExchangeError
	return errors.As(err, &xe)
}

// RejectionKind returns a stable label for metrics and API error codes.
func RejectionKind(err error) string {
	switch {
	case errors.Is(err, ErrPreconditionViolation):
		return "precondition_violation"
	case errors.Is(err, ErrDeadlineViolation):
		return "deadline_violation"
	case errors.Is(err, ErrCommitmentMismatch):
		return "commitment_mismatch"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrConflict), errors.Is(err, ErrLockHeld):
		return "conflict"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	}
	return "internal"
}
