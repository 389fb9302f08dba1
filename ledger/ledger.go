/*
ledger.go - The four balance operations

PURPOSE:
  The Ledger is the single path for moving money. Hold creation, pool
  contributions, fee deductions, and disbursement payouts all reduce to the
  four operations here. No other component touches account balances.

OPERATIONS:
  Debit(acct, amount)            available -= amount, fails on shortfall
  Credit(acct, amount)           available += amount
  MoveToHeld(acct, amount)       available -= amount, held += amount
  ReleaseFromHeld(acct, amount)  held -= amount, available += amount

  Move/Release are one logical transaction: both buckets change or neither
  does. That is what keeps the conservation property:
  sum(available + held) changes only through Debit/Credit, never through a
  move.

IDEMPOTENT REPLAY:
  Every operation requires an idempotency key. If the key was already
  applied, the operation is a no-op that returns the current account with
  no error. Scheduled cycles (stagnation accrual, disbursement) depend on
  this to be safely re-runnable.

SEE ALSO:
  - store.go: atomicity and conflict detection live in the store
  - hold/manager.go, disburse/processor.go: main callers
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// LEDGER SERVICE
// =============================================================================

// Op carries the audit context every mutation requires.
type Op struct {
	Reference      string
	Reason         string
	IdempotencyKey string
	Actor          string
}

type Ledger struct {
	store Store
	nowFn func() time.Time
}

func New(store Store) *Ledger {
	return &Ledger{store: store, nowFn: time.Now}
}

// WithClock overrides the time source. Tests only.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.nowFn = now
	return l
}

// CreateAccount opens an account with a starting available balance.
func (l *Ledger) CreateAccount(ctx context.Context, id AccountID, opening Amount) (Account, error) {
	if opening.IsNegative() {
		return Account{}, fmt.Errorf("opening balance must be non-negative: %v", opening.Value)
	}
	now := l.nowFn()
	acct := Account{
		ID:        id,
		Available: opening,
		Held:      Zero(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.CreateAccount(ctx, acct); err != nil {
		return Account{}, err
	}
	return acct, nil
}

// Account returns the current balances.
func (l *Ledger) Account(ctx context.Context, id AccountID) (Account, error) {
	return l.store.GetAccount(ctx, id)
}

// Debit removes from the available balance. Fails with an
// InsufficientFundsError when available < amount.
func (l *Ledger) Debit(ctx context.Context, id AccountID, amount Amount, op Op) (Account, error) {
	return l.apply(ctx, id, MutDebit, amount, amount.Neg(), Zero(), op)
}

// Credit adds to the available balance.
func (l *Ledger) Credit(ctx context.Context, id AccountID, amount Amount, op Op) (Account, error) {
	return l.apply(ctx, id, MutCredit, amount, amount, Zero(), op)
}

// MoveToHeld moves from available to held atomically.
func (l *Ledger) MoveToHeld(ctx context.Context, id AccountID, amount Amount, op Op) (Account, error) {
	return l.apply(ctx, id, MutMoveToHeld, amount, amount.Neg(), amount, op)
}

// ReleaseFromHeld moves from held back to available atomically.
func (l *Ledger) ReleaseFromHeld(ctx context.Context, id AccountID, amount Amount, op Op) (Account, error) {
	return l.apply(ctx, id, MutReleaseFromHeld, amount, amount, amount.Neg(), op)
}

// Mutations returns the account's mutation history.
func (l *Ledger) Mutations(ctx context.Context, id AccountID) ([]Mutation, error) {
	return l.store.Mutations(ctx, id)
}

// =============================================================================
// INTERNAL
// =============================================================================

func (l *Ledger) apply(ctx context.Context, id AccountID, typ MutationType,
	amount, availableDelta, heldDelta Amount, op Op) (Account, error) {

	if !amount.IsPositive() {
		return Account{}, fmt.Errorf("mutation amount must be positive: %v", amount.Value)
	}
	if op.IdempotencyKey == "" {
		return Account{}, fmt.Errorf("mutation requires an idempotency key")
	}

	actor := op.Actor
	if actor == "" {
		actor = "system"
	}
	m := Mutation{
		ID:             MutationID(uuid.NewString()),
		AccountID:      id,
		Type:           typ,
		Amount:         amount,
		AvailableDelta: availableDelta,
		HeldDelta:      heldDelta,
		ReferenceID:    op.Reference,
		Reason:         op.Reason,
		IdempotencyKey: op.IdempotencyKey,
		CreatedBy:      actor,
		CreatedAt:      l.nowFn(),
	}

	acct, err := l.store.ApplyMutation(ctx, m)
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		// Replay: the mutation already took effect once. Return current
		// state so retried cycles see success.
		return l.store.GetAccount(ctx, id)
	}
	if err != nil {
		return Account{}, err
	}
	return acct, nil
}
