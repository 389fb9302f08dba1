/*
Package hold provides the escrow hold lifecycle.

PURPOSE:
  A Hold reserves a buyer's funds against an item pending purchase or
  return. The funds sit in the holder's held balance, accrue a time-based
  stagnation fee while the hold stays open, and flow back out through one
  of four terminal transitions.

STATE MACHINE:
                      +-> Released             (release, minus fee)
                      +-> Expired              (sweep past grace, minus fee)
    Active -----------+-> Cancelled            (full refund, fee forgiven)
                      +-> ConvertedToPurchase  (escrow applied to price)

  Terminal states are immutable: any operation on a terminal hold fails
  with InvalidStateTransition and has no partial effect.

CREATION INVARIANTS:
  - amount within [MinAmount, MaxAmount]
  - amount >= shippingCost x ShippingCostMultiplier (round-trip shipping)
  - duration capped at DurationLimitDays; extensions can never push expiry
    past that ceiling counted from creation

STAGNATION FEE:
  dailyRate(d) = min(StagnationBaseRate x d, StagnationMaxRate)
  accrued     += dailyRate(ageInDays) x amount, once per calendar day,
  guarded by LastAccrualDate so duplicate cycle firings never double-charge.

SEE ALSO:
  - manager.go: the lifecycle operations
  - stagnation.go: accrual, expiry sweep, reminders
*/
package hold

import (
	"context"
	"time"

	"github.com/meridian/escrow-engine/ledger"
)

// =============================================================================
// HOLD
// =============================================================================

type ID string

type Status string

const (
	StatusActive              Status = "active"
	StatusReleased            Status = "released"
	StatusExpired             Status = "expired"
	StatusCancelled           Status = "cancelled"
	StatusConvertedToPurchase Status = "converted_to_purchase"
)

// Terminal reports whether the status is immutable.
func (s Status) Terminal() bool { return s != StatusActive }

type Hold struct {
	ID        ID
	ItemRef   string
	HolderRef ledger.AccountID
	OwnerRef  ledger.AccountID

	Amount       ledger.Amount
	ShippingCost ledger.Amount
	Status       Status

	CreatedAt    time.Time
	DurationDays int
	ExpiresAt    time.Time
	ExtendedAt   *time.Time

	// Stagnation fee accrued so far. Deducted from the refund on release
	// or expiry; forgiven on cancel and convert.
	StagnationAccrued ledger.Amount

	// Calendar day (UTC) through which stagnation has been accrued.
	// Zero for a hold that has never accrued.
	LastAccrualDate time.Time

	// Set when the hold is past expiry but inside the grace window.
	GraceFlagged bool

	UpdatedAt time.Time
}

// AgeDays returns full calendar days since creation, at the given day.
func (h Hold) AgeDays(at time.Time) int {
	return int(dateOnly(at).Sub(dateOnly(h.CreatedAt)).Hours() / 24)
}

// Refund returns the amount owed back to the holder after fees.
func (h Hold) Refund() ledger.Amount {
	r := h.Amount.Sub(h.StagnationAccrued)
	if r.IsNegative() {
		return ledger.Zero()
	}
	return r
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	CreateHold(ctx context.Context, h Hold) error
	GetHold(ctx context.Context, id ID) (Hold, error)

	// UpdateHold persists a modified hold. The caller passes UpdatedAt as
	// read; implementations reject the write with ErrConcurrentModification
	// if the stored value no longer matches, and stamp a fresh UpdatedAt on
	// success.
	UpdateHold(ctx context.Context, h Hold) error

	// ActiveHolds returns all holds in StatusActive, ordered by creation.
	ActiveHolds(ctx context.Context) ([]Hold, error)
}

// =============================================================================
// NOTIFIER - Outbound reminder boundary
// =============================================================================

// Notifier receives hold lifecycle events. Delivery (email, push, chat) is
// an external collaborator; the engine only emits.
type Notifier interface {
	// HoldReminder fires at the configured days-before-expiry checkpoints,
	// and daily while a hold sits in the grace window (daysRemaining <= 0).
	HoldReminder(ctx context.Context, holdID ID, holder ledger.AccountID, daysRemaining int)

	// HoldClosed fires on every terminal transition.
	HoldClosed(ctx context.Context, holdID ID, status Status, refund ledger.Amount)
}

// NopNotifier drops all events.
type NopNotifier struct{}

func (NopNotifier) HoldReminder(context.Context, ID, ledger.AccountID, int)   {}
func (NopNotifier) HoldClosed(context.Context, ID, Status, ledger.Amount)     {}
