/*
rebalance.go - Automatic allocation control loop and stop-loss monitor

PURPOSE:
  Two scheduled passes over the pool population:

  RebalanceAll (daily):
    For every Automatic pool, pick the target allocation from the water
    level and move a smoothed fraction toward it. The smoothing is what
    stops the allocation from thrashing when the water level oscillates
    around a threshold:

      target  = full herd  if ratio >= HerdThreshold
              = no herd    if ratio <= IndividualThreshold
              = unchanged  otherwise
      move    = SmoothingFactor x (target - herdAllocation)
      |move| <= MaxRebalanceFraction x currentBalance

    A pool below the minimum herd size is never moved herd-ward. Each pool
    rebalances under its own lock and is stamped with the logical day, so
    duplicate cycle firings never double-move.

  RecomputeValues (two-hourly):
    Applies each pool's valuation drift and trips the stop-loss: a pool
    whose balance has fallen more than StopLossFraction below its net
    invested principal is suspended and emits an audit event. Suspended
    pools reject contributions and are skipped by the rebalancer.

SEE ALSO:
  - engine.go: lock discipline
  - waterlevel/: the ratio source
*/
package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meridian/escrow-engine/ledger"
)

// =============================================================================
// REBALANCE CYCLE
// =============================================================================

// RebalanceResult summarizes one rebalance pass.
type RebalanceResult struct {
	Considered int
	Moved      int
	Skipped    int
	Failed     int
}

// RebalanceAll runs the control loop over every Automatic pool for the
// given logical day. Safe to re-run: pools already stamped with the day
// are skipped.
func (e *Engine) RebalanceAll(ctx context.Context, asOf time.Time) (RebalanceResult, error) {
	pools, err := e.store.ListPools(ctx, TypeAutomatic)
	if err != nil {
		return RebalanceResult{}, err
	}

	ratio := e.waterLevel()
	var res RebalanceResult
	for _, p := range pools {
		res.Considered++
		moved, err := e.rebalanceOne(ctx, p.ID, ratio, asOf)
		if err != nil {
			res.Failed++
			e.log.WithError(err).WithField("pool", p.ID).Warn("rebalance failed, deferred to next cycle")
			continue
		}
		if moved {
			res.Moved++
		} else {
			res.Skipped++
		}
	}

	e.log.WithFields(logrus.Fields{
		"ratio": fmt.Sprintf("%.3f", ratio), "considered": res.Considered,
		"moved": res.Moved, "skipped": res.Skipped, "failed": res.Failed,
	}).Info("rebalance cycle complete")
	return res, nil
}

func (e *Engine) rebalanceOne(ctx context.Context, id PoolID, ratio float64, asOf time.Time) (bool, error) {
	lock := e.lockPool(id)
	lock.Lock()
	defer lock.Unlock()

	p, err := e.store.GetPool(ctx, id)
	if err != nil {
		return false, err
	}
	day := time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, time.UTC)
	if !p.LastRebalanceDate.Before(day) {
		return false, nil // already rebalanced this logical day
	}
	if p.Suspended || p.CurrentBalance.IsZero() {
		return false, e.stamp(ctx, p, day, ratio)
	}

	// Target allocation from the water level.
	var target ledger.Amount
	switch {
	case ratio >= e.cfg.HerdThreshold:
		target = p.CurrentBalance
	case ratio <= e.cfg.IndividualThreshold:
		target = ledger.Zero()
	default:
		return false, e.stamp(ctx, p, day, ratio) // dead band: hold position
	}

	// Herd-ward movement requires a full herd.
	if target.GreaterThan(p.HerdAllocation) {
		invs, err := e.store.InvestmentsForPool(ctx, id)
		if err != nil {
			return false, err
		}
		if len(aggregateContributors(invs)) < e.cfg.MinHerdSize {
			return false, e.stamp(ctx, p, day, ratio)
		}
	}

	// Exponential smoothing plus the per-cycle cap.
	move := target.Sub(p.HerdAllocation).MulFloat(e.cfg.SmoothingFactor)
	limit := p.CurrentBalance.MulFloat(e.cfg.MaxRebalanceFraction)
	if move.Abs().GreaterThan(limit) {
		if move.IsNegative() {
			move = limit.Neg()
		} else {
			move = limit
		}
	}
	if move.IsZero() {
		return false, e.stamp(ctx, p, day, ratio)
	}

	p.HerdAllocation = p.HerdAllocation.Add(move)
	if p.HerdAllocation.IsNegative() {
		p.HerdAllocation = ledger.Zero()
	}
	if p.HerdAllocation.GreaterThan(p.CurrentBalance) {
		p.HerdAllocation = p.CurrentBalance
	}
	p.WaterLevel = ratio
	p.TargetWaterLevel = e.cfg.HerdThreshold
	p.LastRebalanceDate = day
	p.UpdatedAt = e.nowFn()
	if err := e.store.UpdatePool(ctx, p); err != nil {
		return false, err
	}

	e.audit.PoolEvent(ctx, AuditEvent{
		At: p.UpdatedAt, PoolID: id, Action: "rebalance",
		Detail: map[string]string{
			"ratio": fmt.Sprintf("%.3f", ratio),
			"move":  move.String(),
			"herd":  p.HerdAllocation.String(),
		},
	})
	return true, nil
}

func (e *Engine) stamp(ctx context.Context, p Pool, day time.Time, ratio float64) error {
	p.WaterLevel = ratio
	p.LastRebalanceDate = day
	p.UpdatedAt = e.nowFn()
	return e.store.UpdatePool(ctx, p)
}

// =============================================================================
// VALUE RECOMPUTE + STOP-LOSS
// =============================================================================

// Valuer supplies the valuation drift for a pool since it was last valued.
// The production implementation is an external market collaborator; the
// default applies a flat per-risk annualized drift.
type Valuer interface {
	// Drift returns the fractional value change (e.g. 0.002 = +0.2%) for
	// the pool over the elapsed duration.
	Drift(p Pool, elapsed time.Duration) float64
}

// FlatValuer applies a per-risk annualized rate, positive or negative.
type FlatValuer struct {
	AnnualRates map[RiskLevel]float64
}

func (v FlatValuer) Drift(p Pool, elapsed time.Duration) float64 {
	rate := v.AnnualRates[p.Risk]
	return rate * elapsed.Hours() / (365 * 24)
}

// RecomputeResult summarizes one valuation pass.
type RecomputeResult struct {
	Valued    int
	Suspended int
	Failed    int
}

// RecomputeValues applies valuation drift to every active pool and trips
// the stop-loss where value has fallen too far below principal.
func (e *Engine) RecomputeValues(ctx context.Context, valuer Valuer, asOf time.Time) (RecomputeResult, error) {
	pools, err := e.store.ListPools(ctx, "")
	if err != nil {
		return RecomputeResult{}, err
	}

	var res RecomputeResult
	for _, p := range pools {
		if p.Suspended || p.CurrentBalance.IsZero() {
			continue
		}
		if err := e.recomputeOne(ctx, p.ID, valuer, asOf, &res); err != nil {
			res.Failed++
			e.log.WithError(err).WithField("pool", p.ID).Warn("value recompute failed")
		}
	}

	e.log.WithFields(logrus.Fields{
		"valued": res.Valued, "suspended": res.Suspended, "failed": res.Failed,
	}).Info("value recompute cycle complete")
	return res, nil
}

func (e *Engine) recomputeOne(ctx context.Context, id PoolID, valuer Valuer, asOf time.Time, res *RecomputeResult) error {
	lock := e.lockPool(id)
	lock.Lock()
	defer lock.Unlock()

	p, err := e.store.GetPool(ctx, id)
	if err != nil {
		return err
	}
	last := p.LastValuedAt
	if last.IsZero() {
		last = p.CreatedAt
	}
	elapsed := asOf.Sub(last)
	if elapsed <= 0 {
		return nil
	}

	drift := valuer.Drift(p, elapsed)
	p.CurrentBalance = p.CurrentBalance.MulFloat(1 + drift)
	if p.CurrentBalance.IsNegative() {
		p.CurrentBalance = ledger.Zero()
	}
	if p.HerdAllocation.GreaterThan(p.CurrentBalance) {
		p.HerdAllocation = p.CurrentBalance
	}
	p.LastValuedAt = asOf
	p.UpdatedAt = e.nowFn()
	res.Valued++

	// Stop-loss: value below (1 - fraction) of net invested principal.
	principal := p.TotalInvested.Sub(p.TotalReturned)
	if principal.IsPositive() {
		floor := principal.MulFloat(1 - e.cfg.StopLossFraction)
		if p.CurrentBalance.LessThan(floor) {
			p.Suspended = true
			p.Active = false
			res.Suspended++
			e.audit.PoolEvent(ctx, AuditEvent{
				At: p.UpdatedAt, PoolID: id, Action: "suspend",
				Detail: map[string]string{
					"balance": p.CurrentBalance.String(),
					"floor":   floor.String(),
				},
			})
			e.log.WithFields(logrus.Fields{
				"pool": id, "balance": p.CurrentBalance.String(), "floor": floor.String(),
			}).Warn("stop-loss tripped, pool suspended")
		}
	}

	return e.store.UpdatePool(ctx, p)
}
