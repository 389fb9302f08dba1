/*
engine.go - Pool operations

PURPOSE:
  Create pools, move investor money in and out, and distribute returns.
  All money enters through a ledger Debit on the investor's account and
  leaves either as a synchronous Credit (withdrawal) or as a pending
  WaterLimit(InvestmentReturn) consumed later by the disbursement
  processor.

CONTRIBUTION BOUNDS:
  The bound applies to a user's TOTAL active contribution in a pool, not to
  a single transfer: topping up past the per-type maximum is rejected with
  ThresholdViolation before any mutation.

HERD ACTIVATION:
  A herd pool is active for returns only at or above MinHerdSize
  contributors. Distribution against an undersized herd is a recorded
  no-op: the pool is marked inactive for returns and zero is distributed.

LOCKING:
  Distribution and rebalancing serialize per pool id, so two concurrent
  cycles can never double-move the same pool's funds.

SEE ALSO:
  - strategy.go, ranking.go: the math
  - rebalance.go: the scheduled control loop
*/
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/meridian/escrow-engine/config"
	"github.com/meridian/escrow-engine/disburse"
	"github.com/meridian/escrow-engine/ledger"
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	ledger *ledger.Ledger
	store  Store
	limits disburse.Store
	audit  AuditSink
	cfg    config.PoolCoefficients

	// waterLevel supplies the normalized load ratio for the rebalancer.
	waterLevel func() float64

	log   logrus.FieldLogger
	nowFn func() time.Time

	mu    sync.Mutex
	locks map[PoolID]*sync.Mutex
}

func NewEngine(led *ledger.Ledger, store Store, limits disburse.Store,
	audit AuditSink, cfg config.PoolCoefficients, waterLevel func() float64,
	log logrus.FieldLogger) *Engine {

	if audit == nil {
		audit = NopAudit{}
	}
	if waterLevel == nil {
		waterLevel = func() float64 { return 0 }
	}
	return &Engine{
		ledger:     led,
		store:      store,
		limits:     limits,
		audit:      audit,
		cfg:        cfg,
		waterLevel: waterLevel,
		log:        log.WithField("component", "pool"),
		nowFn:      time.Now,
		locks:      make(map[PoolID]*sync.Mutex),
	}
}

// WithClock overrides the time source. Tests only.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.nowFn = now
	return e
}

// lockPool returns the per-pool mutex, creating it on first use.
func (e *Engine) lockPool(id PoolID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// =============================================================================
// CREATE / GET
// =============================================================================

func (e *Engine) CreatePool(ctx context.Context, owner ledger.AccountID, typ Type, risk RiskLevel, initial ledger.Amount) (Pool, error) {
	switch typ {
	case TypeIndividual, TypeHerd, TypeAutomatic:
	default:
		return Pool{}, fmt.Errorf("unknown pool type %q", typ)
	}
	if risk == "" {
		risk = RiskMedium
	}

	now := e.nowFn()
	p := Pool{
		ID:             PoolID(uuid.NewString()),
		OwnerRef:       owner,
		Type:           typ,
		Risk:           risk,
		CurrentBalance: ledger.Zero(),
		TotalInvested:  ledger.Zero(),
		TotalReturned:  ledger.Zero(),
		HerdAllocation: ledger.Zero(),
		// Herd pools activate only once the herd reaches minimum size.
		Active:    typ != TypeHerd,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreatePool(ctx, p); err != nil {
		return Pool{}, err
	}

	if initial.IsPositive() {
		return e.AddFunds(ctx, p.ID, owner, initial, SourceDeposit)
	}
	return p, nil
}

func (e *Engine) Get(ctx context.Context, id PoolID) (Pool, error) {
	return e.store.GetPool(ctx, id)
}

// Contributors returns the pool's active contributor positions count.
func (e *Engine) Contributors(ctx context.Context, id PoolID) (int, error) {
	invs, err := e.store.InvestmentsForPool(ctx, id)
	if err != nil {
		return 0, err
	}
	return len(aggregateContributors(invs)), nil
}

// =============================================================================
// ADD FUNDS / WITHDRAW
// =============================================================================

func (e *Engine) AddFunds(ctx context.Context, id PoolID, user ledger.AccountID, amount ledger.Amount, source Source) (Pool, error) {
	lock := e.lockPool(id)
	lock.Lock()
	defer lock.Unlock()

	p, err := e.store.GetPool(ctx, id)
	if err != nil {
		return Pool{}, err
	}
	if p.Suspended {
		return Pool{}, fmt.Errorf("pool %s is suspended: %w", id, ledger.ErrPoolInactive)
	}

	invs, err := e.store.InvestmentsForPool(ctx, id)
	if err != nil {
		return Pool{}, err
	}
	min, max := strategyFor(p.Type).ContributionBounds(e.cfg)
	userTotal := activeContribution(invs, user).Add(amount)
	if userTotal.LessThan(min) || userTotal.GreaterThan(max) {
		return Pool{}, &ledger.ThresholdError{
			Field: "pool contribution", Value: userTotal, Min: min, Max: max,
		}
	}

	invID := InvestmentID(uuid.NewString())
	if _, err := e.ledger.Debit(ctx, user, amount, ledger.Op{
		Reference:      string(invID),
		Reason:         fmt.Sprintf("%s pool contribution (%s)", p.Type, source),
		IdempotencyKey: fmt.Sprintf("pool:%s:contribute:%s", id, invID),
	}); err != nil {
		return Pool{}, err
	}

	now := e.nowFn()
	if err := e.store.CreateInvestment(ctx, PoolInvestment{
		ID:        invID,
		PoolRef:   id,
		UserRef:   user,
		Amount:    amount,
		Type:      Contribution,
		Status:    InvestmentActive,
		Source:    source,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return Pool{}, err
	}

	p.CurrentBalance = p.CurrentBalance.Add(amount)
	p.TotalInvested = p.TotalInvested.Add(amount)
	if p.Type == TypeHerd && !p.Active {
		count := len(aggregateContributors(append(invs, PoolInvestment{
			UserRef: user, Amount: amount, Type: Contribution, Status: InvestmentActive, CreatedAt: now,
		})))
		if count >= e.cfg.MinHerdSize {
			p.Active = true
		}
	}
	p.UpdatedAt = now
	if err := e.store.UpdatePool(ctx, p); err != nil {
		return Pool{}, err
	}

	e.audit.PoolEvent(ctx, AuditEvent{
		At: now, PoolID: id, Action: "contribute",
		Detail: map[string]string{"user": string(user), "amount": amount.String(), "source": string(source)},
	})
	return p, nil
}

func (e *Engine) Withdraw(ctx context.Context, id PoolID, user ledger.AccountID, amount ledger.Amount) (Pool, error) {
	lock := e.lockPool(id)
	lock.Lock()
	defer lock.Unlock()

	p, err := e.store.GetPool(ctx, id)
	if err != nil {
		return Pool{}, err
	}
	invs, err := e.store.InvestmentsForPool(ctx, id)
	if err != nil {
		return Pool{}, err
	}

	position := activeContribution(invs, user)
	if amount.GreaterThan(position) {
		return Pool{}, &ledger.InsufficientFundsError{
			AccountID: user, Available: position, Requested: amount,
		}
	}
	// Partial withdrawals must leave a position that still satisfies the
	// minimum, or nothing at all.
	min, _ := strategyFor(p.Type).ContributionBounds(e.cfg)
	remaining := position.Sub(amount)
	if remaining.IsPositive() && remaining.LessThan(min) {
		return Pool{}, &ledger.ThresholdError{
			Field: "remaining contribution", Value: remaining, Min: min, Max: position,
		}
	}

	invID := InvestmentID(uuid.NewString())
	now := e.nowFn()
	if err := e.store.CreateInvestment(ctx, PoolInvestment{
		ID:        invID,
		PoolRef:   id,
		UserRef:   user,
		Amount:    amount,
		Type:      Withdrawal,
		Status:    InvestmentActive,
		Source:    SourceDeposit,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return Pool{}, err
	}
	if _, err := e.ledger.Credit(ctx, user, amount, ledger.Op{
		Reference:      string(invID),
		Reason:         fmt.Sprintf("%s pool withdrawal", p.Type),
		IdempotencyKey: fmt.Sprintf("pool:%s:withdraw:%s", id, invID),
	}); err != nil {
		return Pool{}, err
	}

	p.CurrentBalance = p.CurrentBalance.Sub(amount)
	p.TotalInvested = p.TotalInvested.Sub(amount)
	if p.HerdAllocation.GreaterThan(p.CurrentBalance) {
		p.HerdAllocation = p.CurrentBalance
	}
	p.UpdatedAt = now
	if err := e.store.UpdatePool(ctx, p); err != nil {
		return Pool{}, err
	}

	e.audit.PoolEvent(ctx, AuditEvent{
		At: now, PoolID: id, Action: "withdraw",
		Detail: map[string]string{"user": string(user), "amount": amount.String()},
	})
	return p, nil
}

func activeContribution(invs []PoolInvestment, user ledger.AccountID) ledger.Amount {
	total := ledger.Zero()
	for _, inv := range invs {
		if inv.UserRef != user {
			continue
		}
		switch inv.Type {
		case Contribution:
			if inv.Status == InvestmentActive {
				total = total.Add(inv.Amount)
			}
		case Withdrawal:
			total = total.Sub(inv.Amount)
		}
	}
	if total.IsNegative() {
		return ledger.Zero()
	}
	return total
}

// =============================================================================
// RETURNS
// =============================================================================

// CalculateReturns computes the total return the pool's strategy generates
// for one distribution period. It mutates nothing.
func (e *Engine) CalculateReturns(ctx context.Context, id PoolID) (ledger.Amount, error) {
	p, err := e.store.GetPool(ctx, id)
	if err != nil {
		return ledger.Zero(), err
	}
	invs, err := e.store.InvestmentsForPool(ctx, id)
	if err != nil {
		return ledger.Zero(), err
	}
	contributors := len(aggregateContributors(invs))
	return strategyFor(p.Type).TotalReturn(p, contributors, e.cfg), nil
}

// DistributeReturns allocates total across contributors pro-rata by their
// ranking-weighted share, raising one pending
// WaterLimit(InvestmentReturn) per investor. An undersized herd is a
// no-op returning zero; the pool is marked inactive for returns.
func (e *Engine) DistributeReturns(ctx context.Context, id PoolID, total ledger.Amount) (ledger.Amount, error) {
	lock := e.lockPool(id)
	lock.Lock()
	defer lock.Unlock()

	p, err := e.store.GetPool(ctx, id)
	if err != nil {
		return ledger.Zero(), err
	}
	if !total.IsPositive() {
		return ledger.Zero(), nil
	}
	if total.GreaterThan(p.CurrentBalance) {
		return ledger.Zero(), &ledger.ThresholdError{
			Field: "distribution total", Value: total,
			Min: ledger.Zero(), Max: p.CurrentBalance,
		}
	}

	invs, err := e.store.InvestmentsForPool(ctx, id)
	if err != nil {
		return ledger.Zero(), err
	}
	contributors := aggregateContributors(invs)

	if p.Type == TypeHerd && len(contributors) < e.cfg.MinHerdSize {
		if p.Active {
			p.Active = false
			p.UpdatedAt = e.nowFn()
			if err := e.store.UpdatePool(ctx, p); err != nil {
				return ledger.Zero(), err
			}
		}
		e.log.WithFields(logrus.Fields{"pool": id, "contributors": len(contributors)}).
			Warn("herd below minimum size, distribution skipped")
		return ledger.Zero(), nil
	}
	if len(contributors) == 0 {
		return ledger.Zero(), nil
	}

	now := e.nowFn()
	scores := rankingScores(contributors, e.cfg, now)

	// Ranking-weighted pro-rata: weight = contribution x score.
	weights := make([]float64, len(contributors))
	var weightSum float64
	for i, c := range contributors {
		weights[i] = c.Contributed.Float64() * scores[i]
		weightSum += weights[i]
	}
	if weightSum <= 0 {
		return ledger.Zero(), nil
	}

	distributed := ledger.Zero()
	for i, c := range contributors {
		share := total.MulFloat(weights[i] / weightSum)
		if !share.IsPositive() {
			continue
		}
		wlID := disburse.WaterLimitID(fmt.Sprintf("wl:pool:%s:%s:%s", id, c.User, now.Format("2006-01-02")))
		if err := e.limits.CreateWaterLimit(ctx, disburse.WaterLimit{
			ID:            wlID,
			AccountID:     c.User,
			Category:      disburse.CategoryInvestmentReturn,
			Amount:        share,
			Status:        disburse.LimitPending,
			EffectiveDate: now,
			ReferenceID:   string(id),
			CreatedAt:     now,
			UpdatedAt:     now,
		}); err != nil {
			// Per-investor failure: log and continue; the skipped share
			// stays in the pool for the next distribution.
			e.log.WithError(err).WithFields(logrus.Fields{"pool": id, "user": c.User}).
				Warn("return credit failed, share retained in pool")
			continue
		}
		if err := e.store.CreateInvestment(ctx, PoolInvestment{
			ID:      InvestmentID(uuid.NewString()),
			PoolRef: id,
			UserRef: c.User,
			Amount:  share,
			Type:    ReturnCredit,
			Status:  InvestmentActive,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			e.log.WithError(err).WithField("pool", id).Warn("return credit record failed")
		}
		distributed = distributed.Add(share)
	}

	p.TotalReturned = p.TotalReturned.Add(distributed)
	p.CurrentBalance = p.CurrentBalance.Sub(distributed)
	if p.HerdAllocation.GreaterThan(p.CurrentBalance) {
		p.HerdAllocation = p.CurrentBalance
	}
	p.UpdatedAt = now
	if err := e.store.UpdatePool(ctx, p); err != nil {
		return distributed, err
	}

	e.audit.PoolEvent(ctx, AuditEvent{
		At: now, PoolID: id, Action: "distribute",
		Detail: map[string]string{"total": distributed.String(), "investors": fmt.Sprint(len(contributors))},
	})
	return distributed, nil
}

// =============================================================================
// RISK TIER QUOTE
// =============================================================================

// QuoteRiskTier suggests an investment amount for an item value at a risk
// tier. Advisory only; it mutates nothing.
func (e *Engine) QuoteRiskTier(itemValue ledger.Amount, risk RiskLevel) (ledger.Amount, error) {
	fraction, ok := e.cfg.RiskTierFractions[string(risk)]
	if !ok {
		return ledger.Zero(), fmt.Errorf("unknown risk tier %q", risk)
	}
	return itemValue.MulFloat(fraction), nil
}
