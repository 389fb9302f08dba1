/*
Package ledger provides the core account balance engine.

PURPOSE:
  This package contains the money primitives every other component calls:
  accounts with a split available/held balance, the four mutations that move
  money between and across them, and the append-only mutation log that makes
  every balance explainable.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A monetary quantity backed by decimal.Decimal
  - Account: availableBalance / heldBalance pair, both non-negative
  - Mutation: An immutable log entry recording one balance change
  - Account/Mutation IDs: Type-safe identifiers

DESIGN PRINCIPLES:
  1. Conservation: every mutation records its exact deltas; money moved to
     held is money removed from available, never minted
  2. Precision: decimal.Decimal everywhere, no floating-point money
  3. Idempotency: every mutation carries a caller-supplied key; replays
     are no-ops
  4. Auditability: reference, reason, and actor on every mutation

USAGE:
  amount := ledger.NewAmount(250)
  acct, err := led.MoveToHeld(ctx, "acct-1", amount, ledger.Op{
      Reference:      "hold-42",
      Reason:         "escrow hold",
      IdempotencyKey: "hold-42-create",
  })

SEE ALSO:
  - ledger.go: The Ledger service and its four operations
  - errors.go: Engine-wide error taxonomy
  - store.go: Persistence contract
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Monetary quantity
// =============================================================================

type Currency string

const CurrencyUSD Currency = "USD"

type Amount struct {
	Value    decimal.Decimal
	Currency Currency
}

func NewAmount(value float64) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Currency: CurrencyUSD}
}

func NewAmountFromDecimal(d decimal.Decimal) Amount {
	return Amount{Value: d, Currency: CurrencyUSD}
}

func Zero() Amount { return Amount{Value: decimal.Zero, Currency: CurrencyUSD} }

func MustParseAmount(s string) Amount {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero()
	}
	return Amount{Value: d, Currency: CurrencyUSD}
}

func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value), Currency: a.Currency} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value), Currency: a.Currency} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s), Currency: a.Currency} }
func (a Amount) MulFloat(f float64) Amount {
	return Amount{Value: a.Value.Mul(decimal.NewFromFloat(f)), Currency: a.Currency}
}
func (a Amount) Div(s decimal.Decimal) Amount { return Amount{Value: a.Value.Div(s), Currency: a.Currency} }
func (a Amount) Neg() Amount                  { return Amount{Value: a.Value.Neg(), Currency: a.Currency} }
func (a Amount) Abs() Amount                  { return Amount{Value: a.Value.Abs(), Currency: a.Currency} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }
func (a Amount) Equal(b Amount) bool          { return a.Value.Equal(b.Value) }
func (a Amount) Min(b Amount) Amount          { if a.LessThan(b) { return a }; return b }
func (a Amount) Max(b Amount) Amount          { if a.GreaterThan(b) { return a }; return b }
func (a Amount) Float64() float64             { f, _ := a.Value.Float64(); return f }
func (a Amount) String() string               { return a.Value.StringFixed(2) + " " + string(a.Currency) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type MutationID string

// =============================================================================
// ACCOUNT - Split balance owned by the ledger
// =============================================================================

// Account carries a user's money in two buckets. Available can be spent or
// moved to held; held backs active escrow holds and pool contributions.
// Both are invariant non-negative.
type Account struct {
	ID        AccountID
	Available Amount
	Held      Amount

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Total returns available + held.
func (a Account) Total() Amount { return a.Available.Add(a.Held) }

// =============================================================================
// MUTATION - Immutable balance-change record
// =============================================================================

type MutationType string

const (
	MutDebit           MutationType = "debit"             // available decreases
	MutCredit          MutationType = "credit"            // available increases
	MutMoveToHeld      MutationType = "move_to_held"      // available -> held
	MutReleaseFromHeld MutationType = "release_from_held" // held -> available
)

// Mutation is one entry in the append-only balance log. The deltas record
// exactly how each bucket changed, so replaying the log reconstructs the
// account and the conservation property can be audited directly.
type Mutation struct {
	ID        MutationID
	AccountID AccountID
	Type      MutationType
	Amount    Amount

	// Signed effect on each bucket. For MutMoveToHeld of 50:
	// AvailableDelta = -50, HeldDelta = +50.
	AvailableDelta Amount
	HeldDelta      Amount

	ReferenceID    string // hold / pool investment / disbursement id
	Reason         string
	IdempotencyKey string

	CreatedBy string // actor: "system", task name, or api caller
	CreatedAt time.Time
}
