/*
errors.go - Centralized error taxonomy for the escrow engine

PURPOSE:
  All engine error types in one place. Domain packages (hold, pool,
  disburse) wrap these with additional context rather than defining their
  own sentinels, so callers can always use errors.Is against this package.

ERROR CATEGORIES:
  1. Funds errors      - Debits or holds that exceed a balance
  2. Transition errors - Operations against a terminal or wrong state
  3. Threshold errors  - Amounts outside configured bounds
  4. Concurrency       - Lock conflicts, duplicate idempotency keys
  5. Payout errors     - External gateway failures during disbursement

USAGE:
  if errors.Is(err, ledger.ErrInsufficientFunds) { ... }

  var tv *ledger.ThresholdError
  if errors.As(err, &tv) { ... tv.Min, tv.Max ... }

SEE ALSO:
  - ledger.go, hold/manager.go, disburse/processor.go: produce these
  - api/handlers.go: maps them onto HTTP status codes
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
	// ErrInsufficientFunds is returned when a debit or hold exceeds the
	// available balance. Surfaced to the caller; the operation is aborted.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidStateTransition is returned when an operation is attempted
	// on a hold or pool outside its legal state. No partial effect.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrThresholdViolation is returned when an amount is outside the
	// configured min/max bounds. Rejected before any mutation.
	ErrThresholdViolation = errors.New("amount outside configured threshold")

	// ErrDurationLimitExceeded is returned when a hold extension would push
	// expiry past the duration ceiling counted from creation.
	ErrDurationLimitExceeded = errors.New("duration limit exceeded")

	// ErrConcurrentModification is returned when optimistic locking detects
	// a conflict. Callers may retry.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrExternalPayoutFailure is returned when the external gateway fails
	// during a disbursement. The record is marked Failed and retried.
	ErrExternalPayoutFailure = errors.New("external payout failure")

	// ErrDuplicateIdempotencyKey is returned by the store when a mutation
	// with the same idempotency key already exists. The Ledger treats this
	// as a successful no-op replay.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrAccountNotFound is returned when a referenced account doesn't exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrNotFound is returned when a referenced hold, pool, or record
	// doesn't exist.
	ErrNotFound = errors.New("record not found")

	// ErrPoolInactive is returned when funds are added to a suspended or
	// deactivated pool.
	ErrPoolInactive = errors.New("pool inactive")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError details a balance shortage.
type InsufficientFundsError struct {
	AccountID AccountID
	Available Amount
	Requested Amount
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on %s: available %v, requested %v",
		e.AccountID, e.Available.Value, e.Requested.Value)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// StateTransitionError details an illegal state machine move.
type StateTransitionError struct {
	Entity string // "hold", "pool", "disbursement"
	ID     string
	From   string
	To     string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("%s %s: illegal transition %s -> %s", e.Entity, e.ID, e.From, e.To)
}

func (e *StateTransitionError) Unwrap() error { return ErrInvalidStateTransition }

// ThresholdError details an amount outside configured bounds.
type ThresholdError struct {
	Field string
	Value Amount
	Min   Amount
	Max   Amount
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("%s %v outside [%v, %v]", e.Field, e.Value.Value, e.Min.Value, e.Max.Value)
}

func (e *ThresholdError) Unwrap() error { return ErrThresholdViolation }

// PayoutError details an external gateway failure for one disbursement.
type PayoutError struct {
	DisbursementID string
	Method         string
	Attempt        int
	Cause          error
}

func (e *PayoutError) Error() string {
	return fmt.Sprintf("payout %s via %s failed (attempt %d): %v",
		e.DisbursementID, e.Method, e.Attempt, e.Cause)
}

func (e *PayoutError) Unwrap() error { return ErrExternalPayoutFailure }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrExternalPayoutFailure)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrThresholdViolation) ||
		errors.Is(err, ErrDurationLimitExceeded) ||
		errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrPoolInactive)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrNotFound)
}
