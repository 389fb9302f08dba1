/*
Package disburse provides the water-limit queue and batch disbursement
processor.

PURPOSE:
  Everything the platform owes a user - investment returns, stagnation fees
  owed to the platform itself, efficiency credits - is first recorded as a
  WaterLimit: a pending credit with an effective date. A scheduled batch
  cycle turns eligible WaterLimits into Disbursements and pays them out,
  FIFO, under a per-day dollar cap.

KEY CONCEPTS IN THIS FILE (types.go):
  - WaterLimit: A pending credit owed to an account
  - Disbursement: The payout transaction releasing one WaterLimit
  - Method: wallet (synchronous via the ledger) or external (bank, paypal,
    crypto - asynchronous, confirmed by callback)

LIFECYCLES:
  WaterLimit:   Pending -> Released | Cancelled
  Disbursement: Scheduled -> Processing -> Completed | Failed
                Failed disbursements are retried on later cycles; they are
                never silently dropped.

SEE ALSO:
  - processor.go: the batch cycle
  - hold/, pool/: raise WaterLimits
*/
package disburse

import (
	"context"
	"time"

	"github.com/meridian/escrow-engine/ledger"
)

// =============================================================================
// WATER LIMIT - Pending credit awaiting batch disbursement
// =============================================================================

type WaterLimitID string

type Category string

const (
	CategoryInvestmentReturn Category = "investment_return"
	CategoryHoldStagnation   Category = "hold_stagnation"
	CategoryEnergyEfficiency Category = "energy_efficiency"
)

type WaterLimitStatus string

const (
	LimitPending   WaterLimitStatus = "pending"
	LimitReleased  WaterLimitStatus = "released"
	LimitCancelled WaterLimitStatus = "cancelled"
)

type WaterLimit struct {
	ID        WaterLimitID
	AccountID ledger.AccountID
	Category  Category
	Amount    ledger.Amount
	Status    WaterLimitStatus

	// EffectiveDate starts the cooling-off window and fixes FIFO order.
	EffectiveDate time.Time

	// Method selects the payout rail when the limit is released. Zero
	// value means wallet.
	Method Method

	ReferenceID string // originating hold / pool id
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// =============================================================================
// DISBURSEMENT - The payout releasing a WaterLimit
// =============================================================================

type DisbursementID string

type Method string

const (
	MethodWallet Method = "wallet"
	MethodBank   Method = "bank"
	MethodPayPal Method = "paypal"
	MethodCrypto Method = "crypto"
)

// External reports whether the method settles through an outside gateway.
func (m Method) External() bool { return m != MethodWallet }

type DisbursementStatus string

const (
	DisbScheduled  DisbursementStatus = "scheduled"
	DisbProcessing DisbursementStatus = "processing"
	DisbCompleted  DisbursementStatus = "completed"
	DisbFailed     DisbursementStatus = "failed"
)

type Disbursement struct {
	ID          DisbursementID
	WaterLimit  WaterLimitID
	RecipientID ledger.AccountID
	Amount      ledger.Amount
	Method      Method
	Status      DisbursementStatus

	ScheduledAt time.Time
	ProcessedAt *time.Time

	// Retry bookkeeping. Attempts counts payout attempts; once it passes
	// the configured maximum the record is surfaced to the operator queue.
	Attempts  int
	LastError string
	Exhausted bool
}

// =============================================================================
// STORE - Persistence contract
// =============================================================================

type Store interface {
	CreateWaterLimit(ctx context.Context, wl WaterLimit) error
	GetWaterLimit(ctx context.Context, id WaterLimitID) (WaterLimit, error)
	UpdateWaterLimit(ctx context.Context, wl WaterLimit) error

	// PendingWaterLimits returns Pending records with EffectiveDate <= cutoff,
	// ordered FIFO by EffectiveDate then id.
	PendingWaterLimits(ctx context.Context, cutoff time.Time) ([]WaterLimit, error)

	// SumPendingWaterLimits returns the total pending amount. Used by
	// conservation audits.
	SumPendingWaterLimits(ctx context.Context) (ledger.Amount, error)

	CreateDisbursement(ctx context.Context, d Disbursement) error
	GetDisbursement(ctx context.Context, id DisbursementID) (Disbursement, error)
	UpdateDisbursement(ctx context.Context, d Disbursement) error
	ListDisbursements(ctx context.Context, status DisbursementStatus) ([]Disbursement, error)

	// FailedDisbursements returns non-exhausted Failed records, FIFO.
	FailedDisbursements(ctx context.Context) ([]Disbursement, error)

	// CompletedTotalForDay returns the amount already paid out on the given
	// calendar day. Keeps the daily cap correct across duplicate cycle runs.
	CompletedTotalForDay(ctx context.Context, day time.Time) (ledger.Amount, error)
}

// =============================================================================
// GATEWAY - External payout boundary
// =============================================================================

// Gateway initiates payouts for external methods (bank, paypal, crypto).
// Settlement is asynchronous: the processor records Processing and waits for
// ConfirmExternal. Protocol details are out of scope; this is the boundary.
type Gateway interface {
	Initiate(ctx context.Context, d Disbursement) error
}

// NullGateway accepts every payout. Used in development and tests.
type NullGateway struct{}

func (NullGateway) Initiate(context.Context, Disbursement) error { return nil }
