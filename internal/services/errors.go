package services

import (
	"errors"
)

// Domain errors. Handlers map these onto HTTP statuses with SendDomainError;
// everything not listed here is treated as a storage failure.
var (
	// ErrValidation marks malformed or semantically invalid input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks an unknown submission or company.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition marks a disposition the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidAmount marks a non-positive monetary amount.
	ErrInvalidAmount = errors.New("amount must be a positive integer in cents")
	// ErrInsufficientFunds marks a payout exceeding the wallet balance.
	ErrInsufficientFunds = errors.New("insufficient wallet balance")
	// ErrConcurrencyConflict marks lock or transaction contention that
	// could not be resolved. Safe to retry.
	ErrConcurrencyConflict = errors.New("concurrent update conflict")
)

// Retryable reports whether the caller may safely retry the failed request.
// Conflicts and storage failures are transient; business-rule and
// state-machine failures are not fixed by retrying.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInsufficientFunds):
		return false
	}
	return true
}
