/*
stagnation.go - Scheduled side of the hold lifecycle

PURPOSE:
  The daily maintenance cycle over all Active holds:
  1. Stagnation accrual - the time-increasing fee on unreleased escrow
  2. Expiry sweep       - holds past expiry+grace are expired and refunded
  3. Reminders          - checkpoint and grace-window events to the notifier

ACCRUAL FORMULA:
  For a hold of age d days (counted from creation):
    dailyRate(d) = min(BaseRate x d, MaxRate)
    accrued     += dailyRate(d) x amount

  Accrual is applied once per calendar day per hold and catches up missed
  days, so a hold released on day 12 carries exactly
  sum_{d=1..12} dailyRate(d) x amount regardless of how many times the
  cycle actually ran. LastAccrualDate is the idempotency stamp: re-running
  the cycle for the same day is a no-op.

FAILURE ISOLATION:
  Each hold is processed in its own scope. One hold's storage conflict is
  logged and skipped; the cycle never aborts the batch.

SEE ALSO:
  - manager.go: the synchronous operations
  - api/worker.go: schedules RunDaily
*/
package hold

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meridian/escrow-engine/ledger"
)

// =============================================================================
// DAILY CYCLE
// =============================================================================

// CycleResult summarizes one maintenance pass.
type CycleResult struct {
	Accrued  int // holds that gained stagnation
	Expired  int // holds transitioned to Expired
	Reminded int // reminder events emitted
	Failed   int // holds skipped due to per-entity errors
	Active   int // holds still active after the pass
}

// RunDaily executes the full maintenance pass for the given logical day.
// Safe to re-run: accrual is stamped per hold, expiry transitions are
// terminal, reminders are keyed to day-granular checkpoints.
func (m *Manager) RunDaily(ctx context.Context, asOf time.Time) (CycleResult, error) {
	holds, err := m.store.ActiveHolds(ctx)
	if err != nil {
		return CycleResult{}, err
	}

	var res CycleResult
	for _, h := range holds {
		switch {
		case m.pastGrace(h, asOf):
			if _, err := m.expire(ctx, h.ID); err != nil {
				res.Failed++
				m.log.WithError(err).WithField("hold", h.ID).Warn("expiry failed, deferred to next cycle")
				continue
			}
			res.Expired++
		default:
			changed, err := m.accrueOne(ctx, h, asOf)
			if err != nil {
				res.Failed++
				m.log.WithError(err).WithField("hold", h.ID).Warn("accrual failed, deferred to next cycle")
				continue
			}
			if changed {
				res.Accrued++
			}
			if m.remindOne(ctx, h, asOf) {
				res.Reminded++
			}
		}
	}

	res.Active = len(holds) - res.Expired

	m.log.WithFields(logrus.Fields{
		"accrued": res.Accrued, "expired": res.Expired,
		"reminded": res.Reminded, "failed": res.Failed,
	}).Info("hold maintenance cycle complete")
	return res, nil
}

// =============================================================================
// STAGNATION ACCRUAL
// =============================================================================

// DailyRate returns the stagnation rate for a hold of the given age.
func (m *Manager) DailyRate(ageDays int) float64 {
	rate := m.cfg.StagnationBaseRate * float64(ageDays)
	if rate > m.cfg.StagnationMaxRate {
		rate = m.cfg.StagnationMaxRate
	}
	return rate
}

func (m *Manager) accrueOne(ctx context.Context, h Hold, asOf time.Time) (bool, error) {
	today := dateOnly(asOf)
	start := dateOnly(h.CreatedAt).AddDate(0, 0, 1) // fees start on day 1
	if !h.LastAccrualDate.IsZero() {
		start = dateOnly(h.LastAccrualDate).AddDate(0, 0, 1)
	}
	if start.After(today) {
		return false, nil // already accrued through today
	}

	accrued := h.StagnationAccrued
	for day := start; !day.After(today); day = day.AddDate(0, 0, 1) {
		age := h.AgeDays(day)
		accrued = accrued.Add(h.Amount.MulFloat(m.DailyRate(age)))
	}

	h.StagnationAccrued = accrued
	h.LastAccrualDate = today
	if err := m.store.UpdateHold(ctx, h); err != nil {
		return false, err
	}
	return true, nil
}

// =============================================================================
// EXPIRY
// =============================================================================

func (m *Manager) pastGrace(h Hold, asOf time.Time) bool {
	return asOf.After(h.ExpiresAt.AddDate(0, 0, m.cfg.GracePeriodDays))
}

func (m *Manager) expire(ctx context.Context, id ID) (Hold, error) {
	return m.close(ctx, id, StatusExpired, "hold expired past grace period", true)
}

// =============================================================================
// REMINDERS
// =============================================================================

// remindOne emits at most one reminder for the hold on this pass: either a
// checkpoint reminder (exact days-remaining match) or a daily grace-window
// reminder once the hold is past expiry.
func (m *Manager) remindOne(ctx context.Context, h Hold, asOf time.Time) bool {
	daysRemaining := int(dateOnly(h.ExpiresAt).Sub(dateOnly(asOf)).Hours() / 24)

	if daysRemaining < 0 {
		// Inside the grace window: flag and remind daily until the sweep
		// expires it. Re-read before flagging; the accrual pass may have
		// just restamped the hold.
		if !h.GraceFlagged {
			fresh, err := m.store.GetHold(ctx, h.ID)
			if err == nil {
				fresh.GraceFlagged = true
				err = m.store.UpdateHold(ctx, fresh)
			}
			if err != nil {
				m.log.WithError(err).WithField("hold", h.ID).Warn("grace flag update failed")
			}
		}
		m.notifier.HoldReminder(ctx, h.ID, h.HolderRef, daysRemaining)
		return true
	}

	for _, checkpoint := range m.cfg.ReminderCheckpoints {
		if daysRemaining == checkpoint {
			m.notifier.HoldReminder(ctx, h.ID, h.HolderRef, daysRemaining)
			return true
		}
	}
	return false
}

// ExpectedStagnation computes the total fee for an amount held for
// heldDays under the given rates. Exposed for projections and tests.
func ExpectedStagnation(baseRate, maxRate float64, amount ledger.Amount, heldDays int) ledger.Amount {
	total := ledger.Zero()
	for d := 1; d <= heldDays; d++ {
		rate := baseRate * float64(d)
		if rate > maxRate {
			rate = maxRate
		}
		total = total.Add(amount.MulFloat(rate))
	}
	return total
}
