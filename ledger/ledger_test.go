package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/escrow-engine/ledger"
	"github.com/meridian/escrow-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestLedger(t *testing.T) (*ledger.Ledger, *memory.Store) {
	t.Helper()
	store := memory.New()
	return ledger.New(store), store
}

func usd(v float64) ledger.Amount { return ledger.NewAmount(v) }

func op(key string) ledger.Op {
	return ledger.Op{Reference: "ref", Reason: "test", IdempotencyKey: key}
}

// =============================================================================
// BALANCE OPERATIONS
// =============================================================================

func TestLedger_DebitCredit_MoveBalances(t *testing.T) {
	// GIVEN: An account opened with 1000 available
	// WHEN: Debiting 400 and crediting 150
	// THEN: Available is 750, held untouched

	led, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := led.CreateAccount(ctx, "alice", usd(1000))
	require.NoError(t, err)

	_, err = led.Debit(ctx, "alice", usd(400), op("d-1"))
	require.NoError(t, err)
	acct, err := led.Credit(ctx, "alice", usd(150), op("c-1"))
	require.NoError(t, err)

	assert.True(t, acct.Available.Equal(usd(750)), "available should be 750, got %s", acct.Available)
	assert.True(t, acct.Held.IsZero(), "held should be untouched")
}

func TestLedger_MoveToHeld_ConservesTotal(t *testing.T) {
	// GIVEN: An account with 500 available
	// WHEN: Moving 200 to held and releasing 50 back
	// THEN: Total (available + held) never changes

	led, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := led.CreateAccount(ctx, "alice", usd(500))
	require.NoError(t, err)

	acct, err := led.MoveToHeld(ctx, "alice", usd(200), op("m-1"))
	require.NoError(t, err)
	assert.True(t, acct.Available.Equal(usd(300)))
	assert.True(t, acct.Held.Equal(usd(200)))
	assert.True(t, acct.Total().Equal(usd(500)), "move must not change the total")

	acct, err = led.ReleaseFromHeld(ctx, "alice", usd(50), op("r-1"))
	require.NoError(t, err)
	assert.True(t, acct.Available.Equal(usd(350)))
	assert.True(t, acct.Held.Equal(usd(150)))
	assert.True(t, acct.Total().Equal(usd(500)), "release must not change the total")
}

func TestLedger_Debit_InsufficientFunds(t *testing.T) {
	// GIVEN: An account with 100 available
	// WHEN: Debiting 250
	// THEN: The debit fails whole and the balance is unchanged

	led, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := led.CreateAccount(ctx, "bob", usd(100))
	require.NoError(t, err)

	_, err = led.Debit(ctx, "bob", usd(250), op("d-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	var ife *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	assert.Equal(t, ledger.AccountID("bob"), ife.AccountID)
	assert.True(t, ife.Available.Equal(usd(100)))
	assert.True(t, ife.Requested.Equal(usd(250)))

	acct, err := led.Account(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, acct.Available.Equal(usd(100)), "failed debit must not move money")
}

func TestLedger_ReleaseFromHeld_HeldShortfall(t *testing.T) {
	// GIVEN: An account with 30 held
	// WHEN: Releasing 80 from held
	// THEN: The release is rejected

	led, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := led.CreateAccount(ctx, "bob", usd(100))
	require.NoError(t, err)
	_, err = led.MoveToHeld(ctx, "bob", usd(30), op("m-1"))
	require.NoError(t, err)

	_, err = led.ReleaseFromHeld(ctx, "bob", usd(80), op("r-1"))
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
}

// =============================================================================
// IDEMPOTENT REPLAY
// =============================================================================

func TestLedger_DuplicateKey_ReplaysAsNoOp(t *testing.T) {
	// GIVEN: A credit already applied under key "c-1"
	// WHEN: The same operation is applied again with the same key
	// THEN: No second credit lands; the replay returns current state

	led, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := led.CreateAccount(ctx, "alice", usd(100))
	require.NoError(t, err)

	_, err = led.Credit(ctx, "alice", usd(40), op("c-1"))
	require.NoError(t, err)
	acct, err := led.Credit(ctx, "alice", usd(40), op("c-1"))
	require.NoError(t, err, "replay must not error")

	assert.True(t, acct.Available.Equal(usd(140)), "replay must not double-apply")

	muts, err := led.Mutations(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, muts, 1, "mutation log should carry the key once")
}

func TestLedger_MissingIdempotencyKey_Rejected(t *testing.T) {
	// GIVEN: An account
	// WHEN: A mutation is attempted without an idempotency key
	// THEN: It is rejected before touching the balance

	led, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := led.CreateAccount(ctx, "alice", usd(100))
	require.NoError(t, err)

	_, err = led.Debit(ctx, "alice", usd(10), ledger.Op{Reference: "ref", Reason: "no key"})
	assert.Error(t, err)
}

// =============================================================================
// MUTATION LOG
// =============================================================================

func TestLedger_MutationLog_ExplainsBalance(t *testing.T) {
	// GIVEN: A sequence of operations on one account
	// WHEN: Replaying the mutation deltas
	// THEN: The replayed balances match the account

	led, _ := newTestLedger(t)
	ctx := context.Background()
	clock := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	led.WithClock(func() time.Time { return clock })

	_, err := led.CreateAccount(ctx, "alice", usd(1000))
	require.NoError(t, err)

	_, err = led.MoveToHeld(ctx, "alice", usd(300), op("m-1"))
	require.NoError(t, err)
	_, err = led.Debit(ctx, "alice", usd(100), op("d-1"))
	require.NoError(t, err)
	acct, err := led.ReleaseFromHeld(ctx, "alice", usd(300), op("r-1"))
	require.NoError(t, err)

	muts, err := led.Mutations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, muts, 3)

	available := usd(1000)
	held := ledger.Zero()
	for _, m := range muts {
		available = available.Add(m.AvailableDelta)
		held = held.Add(m.HeldDelta)
	}
	assert.True(t, available.Equal(acct.Available), "replayed available %s vs %s", available, acct.Available)
	assert.True(t, held.Equal(acct.Held), "replayed held %s vs %s", held, acct.Held)
}
