/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error kinds the engine surfaces, in one place. Every operation
  result is either a value or exactly one of these kinds; callers
  classify with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Lookup errors - account or transaction missing
  2. Validation errors - malformed input, rejected before store access
  3. Business rule errors - inactive account, insufficient funds
  4. Store errors - conflicts (retryable) and unavailability

SEE ALSO:
  - engine.go: Produces these errors
  - api/handlers.go: Maps them to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrAccountNotFound is returned when no account matches the lookup key.
	ErrAccountNotFound = errors.New("account is not found")

	// ErrAccountInactive is returned for any mutating operation on an inactive account.
	ErrAccountInactive = errors.New("account is not active")

	// ErrInvalidArgument is returned when a required field is missing or malformed.
	ErrInvalidArgument = errors.New("wrong parameters")

	// ErrInvalidAmount is returned when a points amount is not strictly positive.
	ErrInvalidAmount = errors.New("wrong loyalty points amount")

	// ErrMissingReason is returned when a cancellation has no reason.
	ErrMissingReason = errors.New("cancellation reason is not specified")

	// ErrInsufficientFunds is returned when a withdrawal exceeds the balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrTransactionNotFound covers both unknown and already cancelled transactions.
	ErrTransactionNotFound = errors.New("transaction is not found")

	// ErrUnknownRule is returned when the rule evaluator has no such rule.
	ErrUnknownRule = errors.New("unknown loyalty points rule")

	// ErrDuplicatePayment is returned when a payment was already credited to the account.
	ErrDuplicatePayment = errors.New("payment already credited")

	// ErrConflict is returned by stores when a concurrent write got in the way.
	// The engine retries these a bounded number of times.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrLedgerUnavailable is returned when the store cannot complete the operation.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError provides details about a rejected withdrawal.
type InsufficientFundsError struct {
	AccountID AccountID
	Available int64
	Requested int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: available %d, requested %d", e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrMissingReason) ||
		errors.Is(err, ErrAccountInactive) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrUnknownRule) ||
		errors.Is(err, ErrDuplicatePayment)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}

// isDomainError reports whether err is one of the engine's own kinds and
// must reach the caller unchanged.
func isDomainError(err error) bool {
	return IsClientError(err) || IsNotFound(err) || errors.Is(err, ErrLedgerUnavailable)
}
