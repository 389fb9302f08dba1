/*
ranking.go - Herd contributor ranking

PURPOSE:
  Herd returns are not split purely pro-rata: each contributor earns a
  ranking score blending how much they contributed, how long they have been
  in, what their past returns look like, and how active they are. The score
  weights come from the coefficient table and must sum to 1.

NORMALIZATION:
  Every component is normalized to [0,1] against the herd population: the
  largest contributor scores 1.0 on the contribution component, the
  earliest joiner 1.0 on duration, and so on. A herd of one scores 1.0
  everywhere.

SEE ALSO:
  - strategy.go: applies the score to the herd return rate
  - engine.go: applies ranking-weighted shares during distribution
*/
package pool

import (
	"time"

	"github.com/meridian/escrow-engine/config"
	"github.com/meridian/escrow-engine/ledger"
)

// =============================================================================
// CONTRIBUTOR PROFILE
// =============================================================================

// contributor aggregates one user's active position in a pool.
type contributor struct {
	User            ledger.AccountID
	Contributed     ledger.Amount // sum of active contributions
	FirstAt         time.Time     // earliest active contribution
	ReturnsReceived ledger.Amount // sum of distributed returns (withdrawal records tagged as returns excluded)
	Events          int           // number of investment records (activity)
}

// aggregateContributors folds investment records into per-user positions.
// Only active contributions count toward the position; withdrawals reduce
// it.
func aggregateContributors(invs []PoolInvestment) []contributor {
	byUser := make(map[ledger.AccountID]*contributor)
	order := make([]ledger.AccountID, 0)

	for _, inv := range invs {
		c, ok := byUser[inv.UserRef]
		if !ok {
			c = &contributor{User: inv.UserRef, Contributed: ledger.Zero(), ReturnsReceived: ledger.Zero()}
			byUser[inv.UserRef] = c
			order = append(order, inv.UserRef)
		}
		c.Events++
		switch inv.Type {
		case Contribution:
			if inv.Status == InvestmentActive {
				c.Contributed = c.Contributed.Add(inv.Amount)
				if c.FirstAt.IsZero() || inv.CreatedAt.Before(c.FirstAt) {
					c.FirstAt = inv.CreatedAt
				}
			}
		case Withdrawal:
			c.Contributed = c.Contributed.Sub(inv.Amount)
		case ReturnCredit:
			c.ReturnsReceived = c.ReturnsReceived.Add(inv.Amount)
		}
	}

	out := make([]contributor, 0, len(order))
	for _, id := range order {
		c := byUser[id]
		if c.Contributed.IsPositive() {
			out = append(out, *c)
		}
	}
	return out
}

// =============================================================================
// RANKING SCORE
// =============================================================================

// rankingScores returns each contributor's score in [0,1], same order as
// the input slice.
func rankingScores(cs []contributor, cfg config.PoolCoefficients, asOf time.Time) []float64 {
	if len(cs) == 0 {
		return nil
	}

	var (
		maxContrib  float64
		maxDuration float64
		maxReturns  float64
		maxEvents   float64
	)
	for _, c := range cs {
		if v := c.Contributed.Float64(); v > maxContrib {
			maxContrib = v
		}
		if d := asOf.Sub(c.FirstAt).Hours(); d > maxDuration {
			maxDuration = d
		}
		if v := c.ReturnsReceived.Float64(); v > maxReturns {
			maxReturns = v
		}
		if float64(c.Events) > maxEvents {
			maxEvents = float64(c.Events)
		}
	}

	norm := func(v, max float64) float64 {
		if max <= 0 {
			return 1 // degenerate population: everyone ties at the top
		}
		return v / max
	}

	scores := make([]float64, len(cs))
	for i, c := range cs {
		scores[i] = cfg.ContributionWeight*norm(c.Contributed.Float64(), maxContrib) +
			cfg.DurationWeight*norm(asOf.Sub(c.FirstAt).Hours(), maxDuration) +
			cfg.PerformanceWeight*norm(c.ReturnsReceived.Float64(), maxReturns) +
			cfg.ActivityWeight*norm(float64(c.Events), maxEvents)
	}
	return scores
}
