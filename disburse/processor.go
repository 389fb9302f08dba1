/*
processor.go - Batch disbursement cycle

PURPOSE:
  Turns eligible WaterLimits into payouts. One cycle does three things,
  in order:

  1. Retry:   re-attempt Failed disbursements (FIFO), up to MaxRetries;
              records that keep failing are marked Exhausted and surface
              in the operator queue instead of blocking the pipeline.
  2. Release: pick Pending WaterLimits whose cooling-off window has
              passed (effectiveDate + ProcessingDelayHours <= now), FIFO,
              in batches of BatchSize, and pay each out.
  3. Cap:     stop releasing once today's completed total would exceed
              MaxDailyAmount. A record that would cross the cap is left
              whole for tomorrow, never split.

  Wallet payouts settle synchronously as a ledger credit. External
  methods (bank, paypal, crypto) go to Processing via the Gateway and
  complete later through ConfirmExternal. Gateway calls are rate limited
  so a large batch cannot flood the payment partner.

  A failure on one record marks that record Failed and moves on; one bad
  payout never aborts the batch.

SEE ALSO:
  - types.go: WaterLimit and Disbursement lifecycles
  - ledger/: the wallet settlement path
*/
package disburse

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/meridian/escrow-engine/config"
	"github.com/meridian/escrow-engine/ledger"
)

// =============================================================================
// PROCESSOR
// =============================================================================

// Processor runs the batch disbursement cycle.
type Processor struct {
	ledger  *ledger.Ledger
	store   Store
	gateway Gateway
	cfg     config.DisbursementCoefficients
	limiter *rate.Limiter
	log     logrus.FieldLogger
	nowFn   func() time.Time
}

func NewProcessor(led *ledger.Ledger, st Store, gw Gateway, cfg config.DisbursementCoefficients, log logrus.FieldLogger) *Processor {
	if gw == nil {
		gw = NullGateway{}
	}
	return &Processor{
		ledger:  led,
		store:   st,
		gateway: gw,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.PayoutRatePerSecond), cfg.PayoutBurst),
		log:     log,
		nowFn:   time.Now,
	}
}

// WithClock overrides the time source. For tests.
func (p *Processor) WithClock(fn func() time.Time) *Processor { p.nowFn = fn; return p }

// =============================================================================
// WATER LIMIT INTAKE
// =============================================================================

// Raise records a pending credit. Callers supply a deterministic id so a
// replayed origin event (a re-run fee cycle, a re-run distribution) lands
// on the same WaterLimit instead of minting a second one.
func (p *Processor) Raise(ctx context.Context, wl WaterLimit) (WaterLimit, error) {
	if existing, err := p.store.GetWaterLimit(ctx, wl.ID); err == nil {
		return existing, nil
	}
	if !wl.Amount.IsPositive() {
		return WaterLimit{}, fmt.Errorf("water limit %s: amount must be positive", wl.ID)
	}
	now := p.nowFn()
	wl.Status = LimitPending
	if wl.EffectiveDate.IsZero() {
		wl.EffectiveDate = now
	}
	wl.CreatedAt = now
	wl.UpdatedAt = now
	if err := p.store.CreateWaterLimit(ctx, wl); err != nil {
		return WaterLimit{}, err
	}
	return wl, nil
}

// Cancel voids a pending WaterLimit. Released limits are immutable.
func (p *Processor) Cancel(ctx context.Context, id WaterLimitID) (WaterLimit, error) {
	wl, err := p.store.GetWaterLimit(ctx, id)
	if err != nil {
		return WaterLimit{}, err
	}
	if wl.Status != LimitPending {
		return WaterLimit{}, &ledger.StateTransitionError{
			Entity: "water_limit", ID: string(id),
			From: string(wl.Status), To: string(LimitCancelled),
		}
	}
	wl.Status = LimitCancelled
	wl.UpdatedAt = p.nowFn()
	if err := p.store.UpdateWaterLimit(ctx, wl); err != nil {
		return WaterLimit{}, err
	}
	return wl, nil
}

// =============================================================================
// BATCH CYCLE
// =============================================================================

// CycleResult summarizes one processor run.
type CycleResult struct {
	Released   int
	Completed  int
	Processing int
	Retried    int
	Failed     int
	Exhausted  int
	Deferred   int           // blocked by the daily cap
	Disbursed  ledger.Amount // money that left this cycle
}

// RunBatch executes one disbursement cycle as of the given instant. Retries
// and fresh releases both draw on the same daily budget, so the cap bounds
// total money out, not just new records.
func (p *Processor) RunBatch(ctx context.Context, asOf time.Time) (CycleResult, error) {
	res := CycleResult{Disbursed: ledger.Zero()}

	day := dateOnly(asOf)
	spent, err := p.store.CompletedTotalForDay(ctx, day)
	if err != nil {
		return res, err
	}
	budget := ledger.NewAmount(p.cfg.MaxDailyAmount).Sub(spent)

	if err := p.retryFailed(ctx, &budget, &res); err != nil {
		return res, err
	}

	cutoff := asOf.Add(-time.Duration(p.cfg.ProcessingDelayHours) * time.Hour)
	pending, err := p.store.PendingWaterLimits(ctx, cutoff)
	if err != nil {
		return res, err
	}

	// Work the whole eligible queue in batches; only budget exhaustion or
	// an empty queue ends the cycle early.
	for len(pending) > 0 {
		batch := pending
		if len(batch) > p.cfg.BatchSize {
			batch = batch[:p.cfg.BatchSize]
		}
		pending = pending[len(batch):]

		for _, wl := range batch {
			if wl.Amount.GreaterThan(budget) {
				// Never split a record across the cap; leave it whole for
				// the next day's budget.
				res.Deferred++
				continue
			}
			d, err := p.release(ctx, wl, asOf)
			if err != nil {
				res.Failed++
				p.log.WithError(err).WithField("water_limit", wl.ID).Warn("disbursement failed, will retry")
				continue
			}
			res.Released++
			switch d.Status {
			case DisbCompleted:
				res.Completed++
				budget = budget.Sub(d.Amount)
				res.Disbursed = res.Disbursed.Add(d.Amount)
			case DisbProcessing:
				res.Processing++
				budget = budget.Sub(d.Amount)
				res.Disbursed = res.Disbursed.Add(d.Amount)
			}
		}
	}

	p.log.WithFields(logrus.Fields{
		"released": res.Released, "completed": res.Completed, "processing": res.Processing,
		"retried": res.Retried, "failed": res.Failed, "deferred": res.Deferred,
	}).Info("disbursement cycle complete")
	return res, nil
}

// release marks the WaterLimit Released, creates its Disbursement, and
// attempts the payout.
func (p *Processor) release(ctx context.Context, wl WaterLimit, asOf time.Time) (Disbursement, error) {
	wl.Status = LimitReleased
	wl.UpdatedAt = asOf
	if err := p.store.UpdateWaterLimit(ctx, wl); err != nil {
		return Disbursement{}, err
	}

	method := wl.Method
	if method == "" {
		method = MethodWallet
	}
	d := Disbursement{
		ID:          DisbursementID(uuid.NewString()),
		WaterLimit:  wl.ID,
		RecipientID: wl.AccountID,
		Amount:      wl.Amount,
		Method:      method,
		Status:      DisbScheduled,
		ScheduledAt: asOf,
	}
	if err := p.store.CreateDisbursement(ctx, d); err != nil {
		return Disbursement{}, err
	}
	return p.attempt(ctx, d)
}

// attempt performs one payout try and persists the outcome.
func (p *Processor) attempt(ctx context.Context, d Disbursement) (Disbursement, error) {
	d.Attempts++
	now := p.nowFn()

	var err error
	if d.Method.External() {
		if werr := p.limiter.Wait(ctx); werr != nil {
			return d, werr
		}
		if err = p.gateway.Initiate(ctx, d); err == nil {
			d.Status = DisbProcessing
		}
	} else {
		_, err = p.ledger.Credit(ctx, d.RecipientID, d.Amount, ledger.Op{
			Reference:      string(d.WaterLimit),
			Reason:         "disbursement payout",
			IdempotencyKey: fmt.Sprintf("disb:%s:credit", d.ID),
			Actor:          "disbursement-processor",
		})
		if err == nil {
			d.Status = DisbCompleted
			d.ProcessedAt = &now
		}
	}

	if err != nil {
		d.Status = DisbFailed
		d.LastError = err.Error()
		if d.Attempts >= p.cfg.MaxRetries {
			d.Exhausted = true
		}
		if uerr := p.store.UpdateDisbursement(ctx, d); uerr != nil {
			return d, uerr
		}
		return d, &ledger.PayoutError{DisbursementID: string(d.ID), Method: string(d.Method), Attempt: d.Attempts, Cause: err}
	}
	return d, p.store.UpdateDisbursement(ctx, d)
}

// retryFailed re-attempts non-exhausted failures, FIFO, charging successes
// against the same daily budget as fresh releases. A retry that would cross
// the cap is left Failed for a later cycle without burning an attempt.
func (p *Processor) retryFailed(ctx context.Context, budget *ledger.Amount, res *CycleResult) error {
	failed, err := p.store.FailedDisbursements(ctx)
	if err != nil {
		return err
	}
	for _, d := range failed {
		if d.Amount.GreaterThan(*budget) {
			res.Deferred++
			continue
		}
		res.Retried++
		d2, err := p.attempt(ctx, d)
		if err != nil {
			res.Failed++
			if d2.Exhausted {
				res.Exhausted++
				p.log.WithFields(logrus.Fields{
					"disbursement": d2.ID, "attempts": d2.Attempts, "error": d2.LastError,
				}).Error("disbursement exhausted retries, routed to operator queue")
			}
			continue
		}
		switch d2.Status {
		case DisbCompleted:
			res.Completed++
			*budget = budget.Sub(d2.Amount)
			res.Disbursed = res.Disbursed.Add(d2.Amount)
		case DisbProcessing:
			res.Processing++
			*budget = budget.Sub(d2.Amount)
			res.Disbursed = res.Disbursed.Add(d2.Amount)
		}
	}
	return nil
}

// =============================================================================
// EXTERNAL SETTLEMENT CALLBACK
// =============================================================================

// ConfirmExternal records the settlement outcome of an external payout.
// Called by the gateway webhook handler. Success credits nothing (the
// money left through the gateway); failure re-queues the record for
// retry.
func (p *Processor) ConfirmExternal(ctx context.Context, id DisbursementID, success bool, detail string) (Disbursement, error) {
	d, err := p.store.GetDisbursement(ctx, id)
	if err != nil {
		return Disbursement{}, err
	}
	if d.Status != DisbProcessing {
		return Disbursement{}, &ledger.StateTransitionError{
			Entity: "disbursement", ID: string(id),
			From: string(d.Status), To: string(DisbCompleted),
		}
	}
	now := p.nowFn()
	if success {
		d.Status = DisbCompleted
		d.ProcessedAt = &now
	} else {
		d.Status = DisbFailed
		d.LastError = detail
		if d.Attempts >= p.cfg.MaxRetries {
			d.Exhausted = true
		}
	}
	if err := p.store.UpdateDisbursement(ctx, d); err != nil {
		return Disbursement{}, err
	}
	return d, nil
}

// OperatorQueue returns exhausted failures awaiting manual intervention.
func (p *Processor) OperatorQueue(ctx context.Context) ([]Disbursement, error) {
	all, err := p.store.ListDisbursements(ctx, DisbFailed)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, d := range all {
		if d.Exhausted {
			out = append(out, d)
		}
	}
	return out, nil
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
