/*
strategy.go - Per-variant returns strategies

PURPOSE:
  Pool behavior is a tagged variant: each Type maps to exactly one
  returnsStrategy. The engine looks the strategy up by tag rather than
  branching on strings at every call site.

STRATEGIES:
  individualStrategy:
    total = DefaultReturnRate x currentBalance

  herdStrategy:
    Requires the herd to be at or above MinHerdSize, otherwise the pool is
    inactive for returns and the total is zero.
    total = BaseReturnRate x BonusMultiplier x currentBalance, the herd
    premium. Per-contributor scaling happens at distribution time via the
    ranking-weighted shares.

  automaticStrategy:
    Blends the two by allocation: the herd slice earns the herd premium,
    the individual slice the default rate. Herd-slice earnings also require
    the minimum herd size.

SEE ALSO:
  - ranking.go: the per-contributor scaling
  - engine.go: CalculateReturns / DistributeReturns
*/
package pool

import (
	"github.com/meridian/escrow-engine/config"
	"github.com/meridian/escrow-engine/ledger"
)

// =============================================================================
// STRATEGY VARIANTS
// =============================================================================

// returnsStrategy computes the total return a pool generates in one
// distribution period, given its contributor population.
type returnsStrategy interface {
	TotalReturn(p Pool, contributors int, cfg config.PoolCoefficients) ledger.Amount

	// ContributionBounds returns the per-contributor [min, max].
	ContributionBounds(cfg config.PoolCoefficients) (min, max ledger.Amount)
}

// strategyFor resolves the variant. Unknown types fall back to individual
// behavior, the most conservative of the three.
func strategyFor(t Type) returnsStrategy {
	switch t {
	case TypeHerd:
		return herdStrategy{}
	case TypeAutomatic:
		return automaticStrategy{}
	default:
		return individualStrategy{}
	}
}

// -----------------------------------------------------------------------------

type individualStrategy struct{}

func (individualStrategy) TotalReturn(p Pool, _ int, cfg config.PoolCoefficients) ledger.Amount {
	return p.CurrentBalance.MulFloat(cfg.DefaultReturnRate)
}

func (individualStrategy) ContributionBounds(cfg config.PoolCoefficients) (ledger.Amount, ledger.Amount) {
	return ledger.NewAmount(cfg.IndividualMinContribution), ledger.NewAmount(cfg.IndividualMaxContribution)
}

// -----------------------------------------------------------------------------

type herdStrategy struct{}

func (herdStrategy) TotalReturn(p Pool, contributors int, cfg config.PoolCoefficients) ledger.Amount {
	if contributors < cfg.MinHerdSize {
		return ledger.Zero()
	}
	return p.CurrentBalance.MulFloat(cfg.BaseReturnRate * cfg.BonusMultiplier)
}

func (herdStrategy) ContributionBounds(cfg config.PoolCoefficients) (ledger.Amount, ledger.Amount) {
	return ledger.NewAmount(cfg.HerdMinContribution), ledger.NewAmount(cfg.HerdMaxContribution)
}

// -----------------------------------------------------------------------------

type automaticStrategy struct{}

func (automaticStrategy) TotalReturn(p Pool, contributors int, cfg config.PoolCoefficients) ledger.Amount {
	individual := p.IndividualAllocation().MulFloat(cfg.DefaultReturnRate)
	if contributors < cfg.MinHerdSize {
		return individual
	}
	herd := p.HerdAllocation.MulFloat(cfg.BaseReturnRate * cfg.BonusMultiplier)
	return individual.Add(herd)
}

func (automaticStrategy) ContributionBounds(cfg config.PoolCoefficients) (ledger.Amount, ledger.Amount) {
	// Automatic pools admit contributions under the herd bounds, since the
	// allocation may shift fully herd-ward.
	return ledger.NewAmount(cfg.HerdMinContribution), ledger.NewAmount(cfg.HerdMaxContribution)
}
