/*
manager.go - Hold lifecycle operations

PURPOSE:
  Create, Extend, Release, Cancel, and ConvertToPurchase. Each operation
  validates against the coefficient table, moves money through the Ledger
  with deterministic idempotency keys, and transitions the hold exactly
  once. Terminal states reject everything.

MONEY FLOW:
  Create:   holder available -> held (full amount)
  Release:  held -> available, then fee debited and recorded as a
            WaterLimit(HoldStagnation) owed to the platform account
  Expire:   same as Release, performed by the sweep in stagnation.go
  Cancel:   held -> available in full; accrued fee is forgiven
  Convert:  held -> available, price debited, owner credited; any escrow
            surplus stays with the holder

IDEMPOTENCY:
  All ledger keys are derived from the hold id ("hold:<id>:release" etc.),
  so a retried operation that already moved money resumes without moving
  it twice.

SEE ALSO:
  - types.go: state machine and invariants
  - stagnation.go: the scheduled side of the lifecycle
*/
package hold

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/meridian/escrow-engine/config"
	"github.com/meridian/escrow-engine/disburse"
	"github.com/meridian/escrow-engine/ledger"
)

// =============================================================================
// MANAGER
// =============================================================================

type Manager struct {
	ledger   *ledger.Ledger
	store    Store
	limits   disburse.Store
	notifier Notifier
	cfg      config.HoldCoefficients

	// Platform is the account that stagnation fees are owed to.
	platform ledger.AccountID

	log   logrus.FieldLogger
	nowFn func() time.Time
}

func NewManager(led *ledger.Ledger, store Store, limits disburse.Store,
	notifier Notifier, cfg config.HoldCoefficients, platform ledger.AccountID,
	log logrus.FieldLogger) *Manager {

	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Manager{
		ledger:   led,
		store:    store,
		limits:   limits,
		notifier: notifier,
		cfg:      cfg,
		platform: platform,
		log:      log.WithField("component", "hold"),
		nowFn:    time.Now,
	}
}

// WithClock overrides the time source. Tests only.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.nowFn = now
	return m
}

// =============================================================================
// CREATE
// =============================================================================

type CreateInput struct {
	ItemRef      string
	Holder       ledger.AccountID
	Owner        ledger.AccountID
	Amount       ledger.Amount
	ShippingCost ledger.Amount
	DurationDays int
}

func (m *Manager) Create(ctx context.Context, in CreateInput) (Hold, error) {
	minAmt := ledger.NewAmount(m.cfg.MinAmount)
	maxAmt := ledger.NewAmount(m.cfg.MaxAmount)
	if in.Amount.LessThan(minAmt) || in.Amount.GreaterThan(maxAmt) {
		return Hold{}, &ledger.ThresholdError{
			Field: "hold amount", Value: in.Amount, Min: minAmt, Max: maxAmt,
		}
	}
	shippingFloor := in.ShippingCost.MulFloat(float64(m.cfg.ShippingCostMultiplier))
	if in.Amount.LessThan(shippingFloor) {
		return Hold{}, &ledger.ThresholdError{
			Field: "hold amount vs shipping", Value: in.Amount, Min: shippingFloor, Max: maxAmt,
		}
	}
	if in.DurationDays <= 0 {
		return Hold{}, fmt.Errorf("duration must be positive: %d", in.DurationDays)
	}

	duration := in.DurationDays
	if duration > m.cfg.DurationLimitDays {
		duration = m.cfg.DurationLimitDays
	}

	now := m.nowFn()
	h := Hold{
		ID:                ID(uuid.NewString()),
		ItemRef:           in.ItemRef,
		HolderRef:         in.Holder,
		OwnerRef:          in.Owner,
		Amount:            in.Amount,
		ShippingCost:      in.ShippingCost,
		Status:            StatusActive,
		CreatedAt:         now,
		DurationDays:      duration,
		ExpiresAt:         now.AddDate(0, 0, duration),
		StagnationAccrued: ledger.Zero(),
		UpdatedAt:         now,
	}

	if _, err := m.ledger.MoveToHeld(ctx, in.Holder, in.Amount, ledger.Op{
		Reference:      string(h.ID),
		Reason:         "escrow hold on " + in.ItemRef,
		IdempotencyKey: fmt.Sprintf("hold:%s:escrow", h.ID),
	}); err != nil {
		return Hold{}, err
	}
	if err := m.store.CreateHold(ctx, h); err != nil {
		// Undo the escrow so a storage failure leaves no money stranded.
		if _, rerr := m.ledger.ReleaseFromHeld(ctx, in.Holder, in.Amount, ledger.Op{
			Reference:      string(h.ID),
			Reason:         "escrow rollback",
			IdempotencyKey: fmt.Sprintf("hold:%s:rollback", h.ID),
		}); rerr != nil {
			m.log.WithError(rerr).WithField("hold", h.ID).Error("escrow rollback failed")
		}
		return Hold{}, err
	}

	m.log.WithFields(logrus.Fields{
		"hold": h.ID, "holder": in.Holder, "amount": in.Amount.String(),
		"expires": h.ExpiresAt.Format("2006-01-02"),
	}).Info("hold created")
	return h, nil
}

// =============================================================================
// EXTEND
// =============================================================================

// Extend pushes the expiry out by additionalDays. Only the holder may
// extend, only while Active, and never past the duration ceiling counted
// from the original creation. An over-ceiling extension fails whole; it
// never partially extends.
func (m *Manager) Extend(ctx context.Context, id ID, actor ledger.AccountID, additionalDays int) (Hold, error) {
	if additionalDays <= 0 {
		return Hold{}, fmt.Errorf("additional days must be positive: %d", additionalDays)
	}
	h, err := m.store.GetHold(ctx, id)
	if err != nil {
		return Hold{}, err
	}
	if h.Status.Terminal() {
		return Hold{}, &ledger.StateTransitionError{
			Entity: "hold", ID: string(id), From: string(h.Status), To: string(StatusActive),
		}
	}
	if actor != h.HolderRef {
		return Hold{}, fmt.Errorf("only the holder may extend hold %s", id)
	}

	ceiling := h.CreatedAt.AddDate(0, 0, m.cfg.DurationLimitDays)
	proposed := h.ExpiresAt.AddDate(0, 0, additionalDays)
	if proposed.After(ceiling) {
		return Hold{}, fmt.Errorf("extension of hold %s past %s: %w",
			id, ceiling.Format("2006-01-02"), ledger.ErrDurationLimitExceeded)
	}

	now := m.nowFn()
	h.ExpiresAt = proposed
	h.DurationDays += additionalDays
	h.ExtendedAt = &now
	h.GraceFlagged = false
	if err := m.store.UpdateHold(ctx, h); err != nil {
		return Hold{}, err
	}
	m.log.WithFields(logrus.Fields{"hold": id, "expires": h.ExpiresAt.Format("2006-01-02")}).Info("hold extended")
	return h, nil
}

// =============================================================================
// RELEASE / CANCEL
// =============================================================================

// Release closes an Active hold, refunding amount minus the accrued
// stagnation fee. The fee is debited from the holder and recorded as a
// pending WaterLimit owed to the platform.
func (m *Manager) Release(ctx context.Context, id ID, reason string) (Hold, error) {
	return m.close(ctx, id, StatusReleased, reason, true)
}

// Cancel closes an Active hold with a full refund; the accrued fee is
// forgiven.
func (m *Manager) Cancel(ctx context.Context, id ID, reason string) (Hold, error) {
	return m.close(ctx, id, StatusCancelled, reason, false)
}

func (m *Manager) close(ctx context.Context, id ID, target Status, reason string, chargeFee bool) (Hold, error) {
	h, err := m.store.GetHold(ctx, id)
	if err != nil {
		return Hold{}, err
	}
	if h.Status.Terminal() {
		return Hold{}, &ledger.StateTransitionError{
			Entity: "hold", ID: string(id), From: string(h.Status), To: string(target),
		}
	}

	now := m.nowFn()
	if _, err := m.ledger.ReleaseFromHeld(ctx, h.HolderRef, h.Amount, ledger.Op{
		Reference:      string(id),
		Reason:         reason,
		IdempotencyKey: fmt.Sprintf("hold:%s:%s:release", id, target),
	}); err != nil {
		return Hold{}, err
	}

	refund := h.Amount
	if chargeFee && h.StagnationAccrued.IsPositive() {
		fee := h.StagnationAccrued
		if _, err := m.ledger.Debit(ctx, h.HolderRef, fee, ledger.Op{
			Reference:      string(id),
			Reason:         "stagnation fee",
			IdempotencyKey: fmt.Sprintf("hold:%s:%s:fee", id, target),
		}); err != nil {
			return Hold{}, err
		}
		if err := m.raiseStagnationLimit(ctx, h, fee, now); err != nil {
			return Hold{}, err
		}
		refund = h.Refund()
	}

	h.Status = target
	if err := m.store.UpdateHold(ctx, h); err != nil {
		return Hold{}, err
	}

	m.notifier.HoldClosed(ctx, h.ID, target, refund)
	m.log.WithFields(logrus.Fields{
		"hold": id, "status": target, "refund": refund.String(),
		"fee": h.StagnationAccrued.String(),
	}).Info("hold closed")
	return h, nil
}

// raiseStagnationLimit records the fee owed to the platform. The id is
// deterministic per hold, so a close retried after a write conflict finds
// the limit already recorded and resumes instead of failing on a duplicate.
func (m *Manager) raiseStagnationLimit(ctx context.Context, h Hold, fee ledger.Amount, now time.Time) error {
	id := disburse.WaterLimitID(fmt.Sprintf("wl:hold:%s", h.ID))
	if _, err := m.limits.GetWaterLimit(ctx, id); err == nil {
		return nil
	}
	return m.limits.CreateWaterLimit(ctx, disburse.WaterLimit{
		ID:            id,
		AccountID:     m.platform,
		Category:      disburse.CategoryHoldStagnation,
		Amount:        fee,
		Status:        disburse.LimitPending,
		EffectiveDate: now,
		ReferenceID:   string(h.ID),
		CreatedAt:     now,
		UpdatedAt:     now,
	})
}

// =============================================================================
// CONVERT TO PURCHASE
// =============================================================================

// ConvertToPurchase applies the escrowed amount toward an accepted purchase
// offer. The escrow is released, the final price is debited from the holder
// (so any surplus stays with them), and the owner is credited. Accrued
// stagnation is forgiven on conversion.
func (m *Manager) ConvertToPurchase(ctx context.Context, id ID, finalPrice ledger.Amount) (Hold, error) {
	if !finalPrice.IsPositive() {
		return Hold{}, fmt.Errorf("final price must be positive: %v", finalPrice.Value)
	}
	h, err := m.store.GetHold(ctx, id)
	if err != nil {
		return Hold{}, err
	}
	if h.Status.Terminal() {
		return Hold{}, &ledger.StateTransitionError{
			Entity: "hold", ID: string(id), From: string(h.Status), To: string(StatusConvertedToPurchase),
		}
	}

	// Pre-check: escrow plus available must cover the price, so the debit
	// below cannot strand a partially converted hold.
	acct, err := m.ledger.Account(ctx, h.HolderRef)
	if err != nil {
		return Hold{}, err
	}
	if acct.Available.Add(h.Amount).LessThan(finalPrice) {
		return Hold{}, &ledger.InsufficientFundsError{
			AccountID: h.HolderRef,
			Available: acct.Available.Add(h.Amount),
			Requested: finalPrice,
		}
	}

	if _, err := m.ledger.ReleaseFromHeld(ctx, h.HolderRef, h.Amount, ledger.Op{
		Reference:      string(id),
		Reason:         "purchase conversion",
		IdempotencyKey: fmt.Sprintf("hold:%s:convert:release", id),
	}); err != nil {
		return Hold{}, err
	}
	if _, err := m.ledger.Debit(ctx, h.HolderRef, finalPrice, ledger.Op{
		Reference:      string(id),
		Reason:         "purchase payment",
		IdempotencyKey: fmt.Sprintf("hold:%s:convert:debit", id),
	}); err != nil {
		return Hold{}, err
	}
	if _, err := m.ledger.Credit(ctx, h.OwnerRef, finalPrice, ledger.Op{
		Reference:      string(id),
		Reason:         "purchase proceeds",
		IdempotencyKey: fmt.Sprintf("hold:%s:convert:credit", id),
	}); err != nil {
		return Hold{}, err
	}

	h.Status = StatusConvertedToPurchase
	if err := m.store.UpdateHold(ctx, h); err != nil {
		return Hold{}, err
	}

	surplus := h.Amount.Sub(finalPrice).Max(ledger.Zero())
	m.notifier.HoldClosed(ctx, h.ID, StatusConvertedToPurchase, surplus)
	m.log.WithFields(logrus.Fields{
		"hold": id, "price": finalPrice.String(), "surplus": surplus.String(),
	}).Info("hold converted to purchase")
	return h, nil
}

// Get returns the hold.
func (m *Manager) Get(ctx context.Context, id ID) (Hold, error) {
	return m.store.GetHold(ctx, id)
}
