package disburse_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/escrow-engine/config"
	"github.com/meridian/escrow-engine/disburse"
	"github.com/meridian/escrow-engine/ledger"
	"github.com/meridian/escrow-engine/store/memory"
)

// recordingGateway captures initiated payouts and can be told to fail.
type recordingGateway struct {
	initiated []disburse.DisbursementID
	err       error
}

func (g *recordingGateway) Initiate(_ context.Context, d disburse.Disbursement) error {
	if g.err != nil {
		return g.err
	}
	g.initiated = append(g.initiated, d.ID)
	return nil
}

type fixture struct {
	led   *ledger.Ledger
	proc  *disburse.Processor
	store *memory.Store
	gw    *recordingGateway
	clock *time.Time
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithConfig(t, config.Defaults().Disbursement)
}

func newFixtureWithConfig(t *testing.T, cfg config.DisbursementCoefficients) *fixture {
	t.Helper()
	store := memory.New()
	clock := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	f := &fixture{store: store, gw: &recordingGateway{}, clock: &clock}
	f.led = ledger.New(store).WithClock(func() time.Time { return *f.clock })
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	f.proc = disburse.NewProcessor(f.led, store, f.gw, cfg, log).
		WithClock(func() time.Time { return *f.clock })

	_, err := f.led.CreateAccount(context.Background(), "alice", ledger.Zero())
	require.NoError(t, err)
	return f
}

// raise records a pending credit whose cooling-off window has already
// passed at the fixture's clock.
func (f *fixture) raise(t *testing.T, id string, amount float64) disburse.WaterLimit {
	t.Helper()
	wl, err := f.proc.Raise(context.Background(), disburse.WaterLimit{
		ID:            disburse.WaterLimitID(id),
		AccountID:     "alice",
		Category:      disburse.CategoryInvestmentReturn,
		Amount:        ledger.NewAmount(amount),
		EffectiveDate: f.clock.Add(-48 * time.Hour),
	})
	require.NoError(t, err)
	return wl
}

func (f *fixture) available(t *testing.T, id ledger.AccountID) float64 {
	t.Helper()
	acct, err := f.led.Account(context.Background(), id)
	require.NoError(t, err)
	return acct.Available.Float64()
}

// =============================================================================
// INTAKE
// =============================================================================

func TestProcessor_Raise_SameIDReplaysExisting(t *testing.T) {
	// GIVEN: A WaterLimit already raised for a deterministic id
	// WHEN: The origin event replays
	// THEN: The existing record comes back; no second credit is minted

	f := newFixture(t)
	ctx := context.Background()

	first := f.raise(t, "wl:pool:p1:alice:2026-02-27", 40)
	again, err := f.proc.Raise(ctx, disburse.WaterLimit{
		ID:        first.ID,
		AccountID: "alice",
		Amount:    ledger.NewAmount(9_999),
	})
	require.NoError(t, err)
	assert.True(t, again.Amount.Equal(first.Amount), "replay returns the original, not a rewrite")

	total, err := f.store.SumPendingWaterLimits(ctx)
	require.NoError(t, err)
	assert.True(t, total.Equal(ledger.NewAmount(40)))
}

func TestProcessor_Raise_RejectsNonPositiveAmount(t *testing.T) {
	f := newFixture(t)
	_, err := f.proc.Raise(context.Background(), disburse.WaterLimit{
		ID: "wl:bogus", AccountID: "alice", Amount: ledger.Zero(),
	})
	assert.Error(t, err)
}

func TestProcessor_Cancel_PendingOnly(t *testing.T) {
	// GIVEN: One pending and one already-released WaterLimit
	// WHEN: Each is cancelled
	// THEN: Only the pending one voids; released limits are immutable

	f := newFixture(t)
	ctx := context.Background()

	released := f.raise(t, "wl:released", 50)
	_, err := f.proc.RunBatch(ctx, *f.clock)
	require.NoError(t, err)

	pending := f.raise(t, "wl:pending", 75)
	got, err := f.proc.Cancel(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, disburse.LimitCancelled, got.Status)

	var stateErr *ledger.StateTransitionError
	_, err = f.proc.Cancel(ctx, released.ID)
	require.ErrorAs(t, err, &stateErr)

	// A cancelled limit never reaches a later batch.
	res, err := f.proc.RunBatch(ctx, *f.clock)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Released)
	assert.InDelta(t, 50, f.available(t, "alice"), 1e-9)
}

// =============================================================================
// BATCH CYCLE
// =============================================================================

func TestProcessor_CoolingWindow_HoldsFreshLimits(t *testing.T) {
	// GIVEN: A WaterLimit effective right now
	// WHEN: A cycle runs immediately and again a day later
	// THEN: The first cycle skips it; the second releases it

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.proc.Raise(ctx, disburse.WaterLimit{
		ID: "wl:fresh", AccountID: "alice",
		Amount: ledger.NewAmount(120), EffectiveDate: *f.clock,
	})
	require.NoError(t, err)

	res, err := f.proc.RunBatch(ctx, *f.clock)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Released, "still cooling off")

	*f.clock = f.clock.Add(24 * time.Hour)
	res, err = f.proc.RunBatch(ctx, *f.clock)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.InDelta(t, 120, f.available(t, "alice"), 1e-9)
}

func TestProcessor_WalletPayout_SettlesSynchronously(t *testing.T) {
	// GIVEN: An eligible wallet-method WaterLimit of 150
	// WHEN: The cycle runs
	// THEN: The account is credited and the disbursement completes in-cycle

	f := newFixture(t)
	ctx := context.Background()
	wl := f.raise(t, "wl:wallet", 150)

	res, err := f.proc.RunBatch(ctx, *f.clock)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Released)
	assert.Equal(t, 1, res.Completed)
	assert.InDelta(t, 150, f.available(t, "alice"), 1e-9)

	stored, err := f.store.GetWaterLimit(ctx, wl.ID)
	require.NoError(t, err)
	assert.Equal(t, disburse.LimitReleased, stored.Status)

	done, err := f.store.ListDisbursements(ctx, disburse.DisbCompleted)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, wl.ID, done[0].WaterLimit)
	require.NotNil(t, done[0].ProcessedAt)
	assert.Equal(t, *f.clock, *done[0].ProcessedAt)
}

func TestProcessor_DailyCap_DefersWholeRecords(t *testing.T) {
	// GIVEN: Limits of 9000, 9000 and 500 against a 10000/day cap, FIFO
	// WHEN: The cycle runs
	// THEN: The first 9000 pays, the second defers whole, the 500 still fits

	f := newFixture(t)
	ctx := context.Background()

	for i, amount := range []float64{9_000, 9_000, 500} {
		_, err := f.proc.Raise(ctx, disburse.WaterLimit{
			ID:        disburse.WaterLimitID(fmt.Sprintf("wl:%d", i)),
			AccountID: "alice",
			Amount:    ledger.NewAmount(amount),
			// Staggered so FIFO order is the raise order.
			EffectiveDate: f.clock.Add(-48*time.Hour + time.Duration(i)*time.Minute),
		})
		require.NoError(t, err)
	}

	res, err := f.proc.RunBatch(ctx, *f.clock)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Completed)
	assert.Equal(t, 1, res.Deferred)
	assert.InDelta(t, 9_500, f.available(t, "alice"), 1e-9)

	// The deferred record is untouched, not split.
	stored, err := f.store.GetWaterLimit(ctx, "wl:1")
	require.NoError(t, err)
	assert.Equal(t, disburse.LimitPending, stored.Status)
	assert.True(t, stored.Amount.Equal(ledger.NewAmount(9_000)))
}

func TestProcessor_DailyCap_CountsEarlierRuns(t *testing.T) {
	// GIVEN: 9000 already paid out today
	// WHEN: A later cycle the same day meets a 2000 record
	// THEN: It defers until the next day's budget

	f := newFixture(t)
	ctx := context.Background()

	f.raise(t, "wl:morning", 9_000)
	_, err := f.proc.RunBatch(ctx, *f.clock)
	require.NoError(t, err)

	f.raise(t, "wl:afternoon", 2_000)
	*f.clock = f.clock.Add(4 * time.Hour)
	res, err := f.proc.RunBatch(ctx, *f.clock)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)
	assert.InDelta(t, 9_000, f.available(t, "alice"), 1e-9)

	*f.clock = f.clock.Add(24 * time.Hour)
	res, err = f.proc.RunBatch(ctx, *f.clock)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.InDelta(t, 11_000, f.available(t, "alice"), 1e-9)
}

func TestProcessor_DrainsQueueAcrossBatches(t *testing.T) {
	// GIVEN: Five eligible limits and a batch size of 2
	// WHEN: One cycle runs with budget to spare
	// THEN: It works through every batch instead of stopping after the first

	cfg := config.Defaults().Disbursement
	cfg.BatchSize = 2
	f := newFixtureWithConfig(t, cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.raise(t, fmt.Sprintf("wl:%d", i), 10)
	}

	res, err := f.proc.RunBatch(ctx, *f.clock)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Completed)
	assert.InDelta(t, 50, f.available(t, "alice"), 1e-9)
}

func TestProcessor_LaterBatches_StillBoundedByCap(t *testing.T) {
	// GIVEN: A batch size of 1 and records totalling past the daily cap
	// WHEN: One cycle drains the queue batch by batch
	// THEN: The cap binds across batches, not just within the first

	cfg := config.Defaults().Disbursement
	cfg.BatchSize = 1
	f := newFixtureWithConfig(t, cfg)
	ctx := context.Background()

	for i, amount := range []float64{6_000, 6_000, 3_000} {
		f.raise(t, fmt.Sprintf("wl:%d", i), amount)
	}

	res, err := f.proc.RunBatch(ctx, *f.clock)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Completed, "6000 then 3000 fit; the middle 6000 defers")
	assert.Equal(t, 1, res.Deferred)
	assert.InDelta(t, 9_000, f.available(t, "alice"), 1e-9)
}

// =============================================================================
// EXTERNAL SETTLEMENT
// =============================================================================

func TestProcessor_ExternalPayout_AwaitsConfirmation(t *testing.T) {
	// GIVEN: A bank-method WaterLimit
	// WHEN: The cycle runs and the gateway later confirms
	// THEN: The record rides Processing until the callback completes it

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.proc.Raise(ctx, disburse.WaterLimit{
		ID: "wl:bank", AccountID: "alice",
		Amount:        ledger.NewAmount(300),
		Method:        disburse.MethodBank,
		EffectiveDate: f.clock.Add(-48 * time.Hour),
	})
	require.NoError(t, err)

	res, err := f.proc.RunBatch(ctx, *f.clock)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processing)
	require.Len(t, f.gw.initiated, 1)
	assert.InDelta(t, 0, f.available(t, "alice"), 1e-9, "external money never touches the wallet")

	d, err := f.proc.ConfirmExternal(ctx, f.gw.initiated[0], true, "")
	require.NoError(t, err)
	assert.Equal(t, disburse.DisbCompleted, d.Status)
	require.NotNil(t, d.ProcessedAt)

	// Confirming twice is a state violation.
	var stateErr *ledger.StateTransitionError
	_, err = f.proc.ConfirmExternal(ctx, f.gw.initiated[0], true, "")
	assert.ErrorAs(t, err, &stateErr)
}

func TestProcessor_ExternalRejection_RequeuesForRetry(t *testing.T) {
	// GIVEN: An external payout the partner bounces
	// WHEN: The failure callback lands and the next cycle runs
	// THEN: The record is retried through the gateway again

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.proc.Raise(ctx, disburse.WaterLimit{
		ID: "wl:paypal", AccountID: "alice",
		Amount:        ledger.NewAmount(80),
		Method:        disburse.MethodPayPal,
		EffectiveDate: f.clock.Add(-48 * time.Hour),
	})
	require.NoError(t, err)
	_, err = f.proc.RunBatch(ctx, *f.clock)
	require.NoError(t, err)
	require.Len(t, f.gw.initiated, 1)

	d, err := f.proc.ConfirmExternal(ctx, f.gw.initiated[0], false, "account closed")
	require.NoError(t, err)
	assert.Equal(t, disburse.DisbFailed, d.Status)
	assert.Equal(t, "account closed", d.LastError)

	res, err := f.proc.RunBatch(ctx, *f.clock)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, 1, res.Processing)
	assert.Len(t, f.gw.initiated, 2)
}

// =============================================================================
// RETRY AND EXHAUSTION
// =============================================================================

func TestProcessor_GatewayFailure_RetriesThenExhausts(t *testing.T) {
	// GIVEN: A gateway that is hard down
	// WHEN: Cycles keep running
	// THEN: Three attempts, then the record routes to the operator queue
	//       instead of blocking the pipeline forever

	f := newFixture(t)
	ctx := context.Background()
	f.gw.err = errors.New("gateway timeout")

	_, err := f.proc.Raise(ctx, disburse.WaterLimit{
		ID: "wl:doomed", AccountID: "alice",
		Amount:        ledger.NewAmount(60),
		Method:        disburse.MethodCrypto,
		EffectiveDate: f.clock.Add(-48 * time.Hour),
	})
	require.NoError(t, err)

	res, err := f.proc.RunBatch(ctx, *f.clock)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	res, err = f.proc.RunBatch(ctx, *f.clock)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, 0, res.Exhausted)

	res, err = f.proc.RunBatch(ctx, *f.clock)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, 1, res.Exhausted)

	// Exhausted records leave the retry loop and surface for an operator.
	res, err = f.proc.RunBatch(ctx, *f.clock)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Retried)

	queue, err := f.proc.OperatorQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, 3, queue[0].Attempts)
	assert.Equal(t, "gateway timeout", queue[0].LastError)
}

func TestProcessor_Retries_DrawOnTheDailyBudget(t *testing.T) {
	// GIVEN: A failed payout and a day whose budget is already spent
	// WHEN: Cycles run on the capped day and again the next day
	// THEN: The retry waits for budget instead of paying past the cap

	f := newFixture(t)
	ctx := context.Background()

	f.gw.err = errors.New("gateway timeout")
	_, err := f.proc.Raise(ctx, disburse.WaterLimit{
		ID: "wl:stuck", AccountID: "alice",
		Amount:        ledger.NewAmount(60),
		Method:        disburse.MethodBank,
		EffectiveDate: f.clock.Add(-48 * time.Hour),
	})
	require.NoError(t, err)
	res, err := f.proc.RunBatch(ctx, *f.clock)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)

	// Spend the day down to 40 of budget. The retry fails again in this
	// cycle (gateway still down) but the wallet payout lands.
	f.raise(t, "wl:big", 9_960)
	res, err = f.proc.RunBatch(ctx, *f.clock)
	require.NoError(t, err)
	require.Equal(t, 1, res.Completed)
	require.Equal(t, 1, res.Retried)
	f.gw.err = nil

	// 40 left today: the 60 retry must wait, not break the cap.
	*f.clock = f.clock.Add(2 * time.Hour)
	res, err = f.proc.RunBatch(ctx, *f.clock)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Retried, "no budget left today")
	assert.Equal(t, 1, res.Deferred)

	stuck, err := f.store.ListDisbursements(ctx, disburse.DisbFailed)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, 2, stuck[0].Attempts, "a deferred retry burns no attempt")

	*f.clock = f.clock.Add(24 * time.Hour)
	res, err = f.proc.RunBatch(ctx, *f.clock)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, 1, res.Processing)
}

func TestProcessor_OneBadRecord_NeverAbortsTheBatch(t *testing.T) {
	// GIVEN: A broken external payout queued ahead of a healthy wallet one
	// WHEN: The cycle runs
	// THEN: The wallet payout still settles

	f := newFixture(t)
	ctx := context.Background()
	f.gw.err = errors.New("gateway timeout")

	_, err := f.proc.Raise(ctx, disburse.WaterLimit{
		ID: "wl:0-bad", AccountID: "alice",
		Amount:        ledger.NewAmount(60),
		Method:        disburse.MethodBank,
		EffectiveDate: f.clock.Add(-49 * time.Hour),
	})
	require.NoError(t, err)
	f.raise(t, "wl:1-good", 90)

	res, err := f.proc.RunBatch(ctx, *f.clock)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Completed)
	assert.InDelta(t, 90, f.available(t, "alice"), 1e-9)
}
