package hold_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/escrow-engine/config"
	"github.com/meridian/escrow-engine/disburse"
	"github.com/meridian/escrow-engine/hold"
	"github.com/meridian/escrow-engine/ledger"
	"github.com/meridian/escrow-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const platformAcct = ledger.AccountID("platform")

type fixture struct {
	led      *ledger.Ledger
	mgr      *hold.Manager
	store    *memory.Store
	notifier *recordingNotifier
	clock    *time.Time
}

// recordingNotifier captures reminder and close events.
type recordingNotifier struct {
	reminders []int // daysRemaining per reminder
	closed    []hold.Status
}

func (n *recordingNotifier) HoldReminder(_ context.Context, _ hold.ID, _ ledger.AccountID, daysRemaining int) {
	n.reminders = append(n.reminders, daysRemaining)
}

func (n *recordingNotifier) HoldClosed(_ context.Context, _ hold.ID, status hold.Status, _ ledger.Amount) {
	n.closed = append(n.closed, status)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	clock := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	f := &fixture{store: store, notifier: &recordingNotifier{}, clock: &clock}
	f.led = ledger.New(store).WithClock(func() time.Time { return *f.clock })
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	f.mgr = hold.NewManager(f.led, store, store, f.notifier, config.Defaults().Hold, platformAcct, log).
		WithClock(func() time.Time { return *f.clock })

	ctx := context.Background()
	_, err := f.led.CreateAccount(ctx, "holder", ledger.NewAmount(5000))
	require.NoError(t, err)
	_, err = f.led.CreateAccount(ctx, "owner", ledger.NewAmount(0))
	require.NoError(t, err)
	_, err = f.led.CreateAccount(ctx, platformAcct, ledger.NewAmount(0))
	require.NoError(t, err)
	return f
}

func (f *fixture) advanceDays(d int) { *f.clock = f.clock.AddDate(0, 0, d) }

func (f *fixture) create(t *testing.T, amount float64, durationDays int) hold.Hold {
	t.Helper()
	h, err := f.mgr.Create(context.Background(), hold.CreateInput{
		ItemRef:      "vintage-camera",
		Holder:       "holder",
		Owner:        "owner",
		Amount:       ledger.NewAmount(amount),
		ShippingCost: ledger.NewAmount(25),
		DurationDays: durationDays,
	})
	require.NoError(t, err)
	return h
}

// =============================================================================
// CREATION
// =============================================================================

func TestHold_Create_MovesAmountToEscrow(t *testing.T) {
	// GIVEN: A holder with 5000 available
	// WHEN: Creating a 350 hold
	// THEN: 350 moves from available to held; total is conserved

	f := newFixture(t)
	ctx := context.Background()

	h := f.create(t, 350, 30)
	assert.Equal(t, hold.StatusActive, h.Status)
	assert.Equal(t, f.clock.AddDate(0, 0, 30), h.ExpiresAt)

	acct, err := f.led.Account(ctx, "holder")
	require.NoError(t, err)
	assert.True(t, acct.Available.Equal(ledger.NewAmount(4650)))
	assert.True(t, acct.Held.Equal(ledger.NewAmount(350)))
	assert.True(t, acct.Total().Equal(ledger.NewAmount(5000)))
}

func TestHold_Create_AmountOutsideBounds(t *testing.T) {
	// GIVEN: The default 100..50000 amount bounds
	// WHEN: Creating holds at 99 and 50001
	// THEN: Both are rejected with a threshold violation

	f := newFixture(t)
	ctx := context.Background()

	for _, amount := range []float64{99, 50_001} {
		_, err := f.mgr.Create(ctx, hold.CreateInput{
			ItemRef: "item", Holder: "holder", Owner: "owner",
			Amount: ledger.NewAmount(amount), DurationDays: 30,
		})
		assert.ErrorIs(t, err, ledger.ErrThresholdViolation, "amount %v", amount)
	}
}

func TestHold_Create_BelowShippingFloor(t *testing.T) {
	// GIVEN: Shipping cost 80 and the 2x shipping floor
	// WHEN: Creating a 150 hold (< 160)
	// THEN: The hold is rejected

	f := newFixture(t)

	_, err := f.mgr.Create(context.Background(), hold.CreateInput{
		ItemRef: "bulky-item", Holder: "holder", Owner: "owner",
		Amount:       ledger.NewAmount(150),
		ShippingCost: ledger.NewAmount(80),
		DurationDays: 30,
	})
	assert.ErrorIs(t, err, ledger.ErrThresholdViolation)
}

func TestHold_Create_DurationCappedAtLimit(t *testing.T) {
	// GIVEN: The 90-day duration ceiling
	// WHEN: Requesting a 120-day hold
	// THEN: The hold is created clipped to 90 days

	f := newFixture(t)

	h := f.create(t, 350, 120)
	assert.Equal(t, 90, h.DurationDays)
	assert.Equal(t, f.clock.AddDate(0, 0, 90), h.ExpiresAt)
}

// =============================================================================
// EXTENSION
// =============================================================================

func TestHold_Extend_PushesExpiry(t *testing.T) {
	// GIVEN: A 30-day hold
	// WHEN: The holder extends by 15 days
	// THEN: Expiry moves and the extension is recorded

	f := newFixture(t)
	h := f.create(t, 350, 30)

	extended, err := f.mgr.Extend(context.Background(), h.ID, "holder", 15)
	require.NoError(t, err)
	assert.Equal(t, h.ExpiresAt.AddDate(0, 0, 15), extended.ExpiresAt)
	assert.Equal(t, 45, extended.DurationDays)
	require.NotNil(t, extended.ExtendedAt)
}

func TestHold_Extend_PastCeiling_FailsWhole(t *testing.T) {
	// GIVEN: A 30-day hold under the 90-day ceiling
	// WHEN: Extending by 70 days (would reach day 100)
	// THEN: The extension fails entirely; expiry is unchanged

	f := newFixture(t)
	h := f.create(t, 350, 30)
	ctx := context.Background()

	_, err := f.mgr.Extend(ctx, h.ID, "holder", 70)
	assert.ErrorIs(t, err, ledger.ErrDurationLimitExceeded)

	got, err := f.mgr.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, h.ExpiresAt, got.ExpiresAt, "failed extension must not partially extend")
}

func TestHold_Extend_OnlyHolder(t *testing.T) {
	// GIVEN: A hold created by "holder"
	// WHEN: The owner tries to extend it
	// THEN: The extension is rejected

	f := newFixture(t)
	h := f.create(t, 350, 30)

	_, err := f.mgr.Extend(context.Background(), h.ID, "owner", 5)
	assert.Error(t, err)
}

// =============================================================================
// STAGNATION ACCRUAL
// =============================================================================

func TestHold_Stagnation_TwelveDayCatchUp(t *testing.T) {
	// GIVEN: A 200 hold that has seen no maintenance cycles for 12 days
	// WHEN: RunDaily fires once on day 12
	// THEN: The accrual catches up all 12 days in one pass:
	//       sum_{d=1..12} min(0.001*d, 0.01) * 200 = 15.00

	f := newFixture(t)
	h := f.create(t, 200, 30)
	ctx := context.Background()

	f.advanceDays(12)
	res, err := f.mgr.RunDaily(ctx, *f.clock)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accrued)

	got, err := f.mgr.Get(ctx, h.ID)
	require.NoError(t, err)
	want := hold.ExpectedStagnation(0.001, 0.01, ledger.NewAmount(200), 12)
	assert.True(t, got.StagnationAccrued.Equal(want),
		"accrued %s, want %s", got.StagnationAccrued, want)
	assert.True(t, got.StagnationAccrued.Equal(ledger.NewAmount(15)))
}

func TestHold_Stagnation_SameDayRerun_NoOp(t *testing.T) {
	// GIVEN: A hold already accrued through today
	// WHEN: The daily cycle fires a second time the same day
	// THEN: Nothing accrues again

	f := newFixture(t)
	h := f.create(t, 200, 30)
	ctx := context.Background()

	f.advanceDays(3)
	_, err := f.mgr.RunDaily(ctx, *f.clock)
	require.NoError(t, err)
	first, err := f.mgr.Get(ctx, h.ID)
	require.NoError(t, err)

	res, err := f.mgr.RunDaily(ctx, *f.clock)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Accrued, "re-run must be a no-op")

	second, err := f.mgr.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.True(t, second.StagnationAccrued.Equal(first.StagnationAccrued))
}

func TestHold_Stagnation_RateCapped(t *testing.T) {
	// GIVEN: The 0.001/day base rate and 0.01 cap
	// WHEN: Asking for the rate at ages 5, 10 and 40
	// THEN: It is 0.005, 0.01 and 0.01

	f := newFixture(t)
	assert.InDelta(t, 0.005, f.mgr.DailyRate(5), 1e-9)
	assert.InDelta(t, 0.01, f.mgr.DailyRate(10), 1e-9)
	assert.InDelta(t, 0.01, f.mgr.DailyRate(40), 1e-9)
}

// =============================================================================
// RELEASE / CANCEL / EXPIRE
// =============================================================================

func TestHold_Release_DeductsFeeAndOwesPlatform(t *testing.T) {
	// GIVEN: A 200 hold with 15.00 accrued over 12 days
	// WHEN: The hold is released
	// THEN: The holder gets 185 back and a pending WaterLimit for 15 is
	//       raised toward the platform

	f := newFixture(t)
	h := f.create(t, 200, 30)
	ctx := context.Background()

	f.advanceDays(12)
	_, err := f.mgr.RunDaily(ctx, *f.clock)
	require.NoError(t, err)

	released, err := f.mgr.Release(ctx, h.ID, "item received")
	require.NoError(t, err)
	assert.Equal(t, hold.StatusReleased, released.Status)
	assert.True(t, released.Refund().Equal(ledger.NewAmount(185)))

	acct, err := f.led.Account(ctx, "holder")
	require.NoError(t, err)
	assert.True(t, acct.Held.IsZero(), "escrow must be fully released")
	assert.True(t, acct.Available.Equal(ledger.NewAmount(4985)), "got %s", acct.Available)

	wl, err := f.store.GetWaterLimit(ctx, disburse.WaterLimitID("wl:hold:"+string(h.ID)))
	require.NoError(t, err)
	assert.Equal(t, platformAcct, wl.AccountID)
	assert.Equal(t, disburse.CategoryHoldStagnation, wl.Category)
	assert.Equal(t, disburse.LimitPending, wl.Status)
	assert.True(t, wl.Amount.Equal(ledger.NewAmount(15)))
}

func TestHold_Cancel_ForgivesFee(t *testing.T) {
	// GIVEN: A hold with accrued stagnation
	// WHEN: The hold is cancelled
	// THEN: The full amount comes back and no fee limit is raised

	f := newFixture(t)
	h := f.create(t, 200, 30)
	ctx := context.Background()

	f.advanceDays(5)
	_, err := f.mgr.RunDaily(ctx, *f.clock)
	require.NoError(t, err)

	cancelled, err := f.mgr.Cancel(ctx, h.ID, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, hold.StatusCancelled, cancelled.Status)

	acct, err := f.led.Account(ctx, "holder")
	require.NoError(t, err)
	assert.True(t, acct.Available.Equal(ledger.NewAmount(5000)), "cancel refunds in full")

	_, err = f.store.GetWaterLimit(ctx, disburse.WaterLimitID("wl:hold:"+string(h.ID)))
	assert.ErrorIs(t, err, ledger.ErrNotFound, "no fee limit on cancel")
}

func TestHold_TerminalState_RejectsFurtherTransitions(t *testing.T) {
	// GIVEN: A released hold
	// WHEN: Release, cancel, extend are attempted again
	// THEN: Each fails with an invalid state transition

	f := newFixture(t)
	h := f.create(t, 350, 30)
	ctx := context.Background()

	_, err := f.mgr.Release(ctx, h.ID, "done")
	require.NoError(t, err)

	_, err = f.mgr.Release(ctx, h.ID, "again")
	assert.ErrorIs(t, err, ledger.ErrInvalidStateTransition)
	_, err = f.mgr.Cancel(ctx, h.ID, "again")
	assert.ErrorIs(t, err, ledger.ErrInvalidStateTransition)
	_, err = f.mgr.Extend(ctx, h.ID, "holder", 5)
	assert.ErrorIs(t, err, ledger.ErrInvalidStateTransition)
}

func TestHold_Expire_AfterGraceWindow(t *testing.T) {
	// GIVEN: A 30-day hold and the 7-day grace window
	// WHEN: The daily cycle runs on day 38
	// THEN: The hold expires and the escrow flows back minus the fee

	f := newFixture(t)
	h := f.create(t, 200, 30)
	ctx := context.Background()

	// Accrue through day 30 first, as the daily cycles would have.
	f.advanceDays(30)
	_, err := f.mgr.RunDaily(ctx, *f.clock)
	require.NoError(t, err)

	f.advanceDays(8)
	res, err := f.mgr.RunDaily(ctx, *f.clock)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	got, err := f.mgr.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, hold.StatusExpired, got.Status)

	acct, err := f.led.Account(ctx, "holder")
	require.NoError(t, err)
	assert.True(t, acct.Held.IsZero())
	assert.Contains(t, f.notifier.closed, hold.StatusExpired)
}

func TestHold_InsideGrace_NotExpired(t *testing.T) {
	// GIVEN: A 30-day hold
	// WHEN: The cycle runs on day 35 (inside the 7-day grace window)
	// THEN: The hold stays active and a grace reminder fires

	f := newFixture(t)
	h := f.create(t, 200, 30)
	ctx := context.Background()

	f.advanceDays(35)
	res, err := f.mgr.RunDaily(ctx, *f.clock)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Expired)
	assert.Equal(t, 1, res.Reminded)

	got, err := f.mgr.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, hold.StatusActive, got.Status)
	assert.True(t, got.GraceFlagged)
}

// =============================================================================
// CONVERT TO PURCHASE
// =============================================================================

func TestHold_Convert_PaysOwnerAndForgivesFee(t *testing.T) {
	// GIVEN: A 350 hold with some accrued fee; final price 300
	// WHEN: The hold converts to a purchase
	// THEN: The owner receives 300, the holder keeps the 50 surplus, and
	//       the fee is forgiven

	f := newFixture(t)
	h := f.create(t, 350, 30)
	ctx := context.Background()

	f.advanceDays(5)
	_, err := f.mgr.RunDaily(ctx, *f.clock)
	require.NoError(t, err)

	converted, err := f.mgr.ConvertToPurchase(ctx, h.ID, ledger.NewAmount(300))
	require.NoError(t, err)
	assert.Equal(t, hold.StatusConvertedToPurchase, converted.Status)

	holder, err := f.led.Account(ctx, "holder")
	require.NoError(t, err)
	assert.True(t, holder.Available.Equal(ledger.NewAmount(4700)), "got %s", holder.Available)
	assert.True(t, holder.Held.IsZero())

	owner, err := f.led.Account(ctx, "owner")
	require.NoError(t, err)
	assert.True(t, owner.Available.Equal(ledger.NewAmount(300)))

	_, err = f.store.GetWaterLimit(ctx, disburse.WaterLimitID("wl:hold:"+string(h.ID)))
	assert.ErrorIs(t, err, ledger.ErrNotFound, "conversion forgives the fee")
}

func TestHold_Convert_PriceAboveCoverage_Rejected(t *testing.T) {
	// GIVEN: A holder whose escrow plus available cannot cover the price
	// WHEN: Converting at that price
	// THEN: The conversion fails before any mutation

	f := newFixture(t)
	h := f.create(t, 350, 30)
	ctx := context.Background()

	_, err := f.mgr.ConvertToPurchase(ctx, h.ID, ledger.NewAmount(6000))
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	acct, err := f.led.Account(ctx, "holder")
	require.NoError(t, err)
	assert.True(t, acct.Held.Equal(ledger.NewAmount(350)), "escrow must stay put")
}

// =============================================================================
// REMINDERS
// =============================================================================

func TestHold_Reminders_FireAtCheckpoints(t *testing.T) {
	// GIVEN: A 30-day hold and checkpoints [30, 15, 7, 1]
	// WHEN: The daily cycle runs on days 15, 23, 29 (15, 7, 1 remaining)
	// THEN: One reminder fires per checkpoint day

	f := newFixture(t)
	f.create(t, 200, 30)
	ctx := context.Background()

	for _, day := range []int{15, 8, 6} { // cumulative: day 15, 23, 29
		f.advanceDays(day)
		_, err := f.mgr.RunDaily(ctx, *f.clock)
		require.NoError(t, err)
	}
	assert.Equal(t, []int{15, 7, 1}, f.notifier.reminders)
}

func TestHold_Reminders_QuietBetweenCheckpoints(t *testing.T) {
	// GIVEN: A 30-day hold
	// WHEN: The cycle runs on day 10 (20 days remaining)
	// THEN: No reminder fires

	f := newFixture(t)
	f.create(t, 200, 30)

	f.advanceDays(10)
	res, err := f.mgr.RunDaily(context.Background(), *f.clock)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Reminded)
	assert.Empty(t, f.notifier.reminders)
}

// =============================================================================
// RETRY AFTER WRITE CONFLICT
// =============================================================================

// conflictingStore injects write conflicts on UpdateHold.
type conflictingStore struct {
	hold.Store
	conflicts int
}

func (s *conflictingStore) UpdateHold(ctx context.Context, h hold.Hold) error {
	if s.conflicts > 0 {
		s.conflicts--
		return ledger.ErrConcurrentModification
	}
	return s.Store.UpdateHold(ctx, h)
}

func TestHold_Release_RetryAfterConflict_Resumes(t *testing.T) {
	// GIVEN: A release whose hold write loses an optimistic-lock race after
	//        the money has already moved
	// WHEN: The caller retries
	// THEN: The retry resumes on the idempotency keys and the recorded fee
	//       limit; nothing moves twice and the hold closes

	store := memory.New()
	clock := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	flaky := &conflictingStore{Store: store}
	led := ledger.New(store).WithClock(func() time.Time { return clock })
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	mgr := hold.NewManager(led, flaky, store, nil, config.Defaults().Hold, platformAcct, log).
		WithClock(func() time.Time { return clock })
	ctx := context.Background()

	_, err := led.CreateAccount(ctx, "holder", ledger.NewAmount(5000))
	require.NoError(t, err)
	_, err = led.CreateAccount(ctx, "owner", ledger.Zero())
	require.NoError(t, err)
	_, err = led.CreateAccount(ctx, platformAcct, ledger.Zero())
	require.NoError(t, err)

	h, err := mgr.Create(ctx, hold.CreateInput{
		ItemRef: "vintage-camera", Holder: "holder", Owner: "owner",
		Amount: ledger.NewAmount(200), ShippingCost: ledger.NewAmount(25),
		DurationDays: 30,
	})
	require.NoError(t, err)

	clock = clock.AddDate(0, 0, 12)
	_, err = mgr.RunDaily(ctx, clock)
	require.NoError(t, err)

	flaky.conflicts = 1
	_, err = mgr.Release(ctx, h.ID, "returned")
	require.ErrorIs(t, err, ledger.ErrConcurrentModification)

	mid, err := store.GetHold(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, hold.StatusActive, mid.Status, "failed write leaves the status untouched")

	got, err := mgr.Release(ctx, h.ID, "returned")
	require.NoError(t, err)
	assert.Equal(t, hold.StatusReleased, got.Status)

	// One escrow release and one 15.00 fee, despite two attempts.
	acct, err := led.Account(ctx, "holder")
	require.NoError(t, err)
	assert.True(t, acct.Available.Equal(ledger.NewAmount(4985)), "available %s", acct.Available)
	assert.True(t, acct.Held.IsZero())

	wl, err := store.GetWaterLimit(ctx, disburse.WaterLimitID("wl:hold:"+string(h.ID)))
	require.NoError(t, err)
	assert.True(t, wl.Amount.Equal(ledger.NewAmount(15)))
	assert.Equal(t, disburse.LimitPending, wl.Status)
}
