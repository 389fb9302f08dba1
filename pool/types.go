/*
Package pool provides the investment pool engine.

PURPOSE:
  Escrowed and idle funds can be routed into pooled investments. Three pool
  variants share one engine, each with its own returns and rebalancing
  strategy:

  Individual - one investor, flat default return rate
  Herd       - many investors, higher base return scaled per contributor
               by a ranking score; only active once the herd reaches the
               configured minimum size
  Automatic  - allocation continuously shifted between herd-style and
               individual-style exposure by a control loop driven by the
               system water level

KEY DIFFERENCES FROM THE HOLD LIFECYCLE:
  1. Pool balances live platform-side; contributions debit the investor's
     account and withdrawals credit it back
  2. Returns are owed, not paid: distribution raises one pending
     WaterLimit(InvestmentReturn) per investor, consumed later by the
     disbursement processor
  3. The scheduled surface is wider: daily rebalancing plus a two-hourly
     value recompute with stop-loss suspension

BALANCE IDENTITY:
  currentBalance = totalInvested - totalReturned + netReturns, always >= 0.
  NetReturns() derives the last term; the identity is enforced at every
  mutation.

SEE ALSO:
  - engine.go: create / add funds / withdraw / distribute
  - strategy.go: per-variant returns strategies
  - rebalance.go: the automatic control loop and stop-loss monitor
*/
package pool

import (
	"context"
	"time"

	"github.com/meridian/escrow-engine/ledger"
)

// =============================================================================
// POOL
// =============================================================================

type PoolID string

type Type string

const (
	TypeIndividual Type = "individual"
	TypeHerd       Type = "herd"
	TypeAutomatic  Type = "automatic"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

type Pool struct {
	ID       PoolID
	OwnerRef ledger.AccountID
	Type     Type
	Risk     RiskLevel

	// Water-level snapshot driving (and recorded by) the rebalancer.
	WaterLevel       float64
	TargetWaterLevel float64

	CurrentBalance ledger.Amount
	TotalInvested  ledger.Amount
	TotalReturned  ledger.Amount

	// Automatic pools only: the slice of CurrentBalance allocated to
	// herd-style exposure. The remainder is individual-style.
	HerdAllocation ledger.Amount

	Active    bool
	Suspended bool // tripped stop-loss; rejects funds, skipped by rebalancer

	// Idempotency stamps for the scheduled cycles.
	LastRebalanceDate time.Time
	LastValuedAt      time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NetReturns derives the accrued-but-undistributed return component of the
// balance identity.
func (p Pool) NetReturns() ledger.Amount {
	return p.CurrentBalance.Sub(p.TotalInvested).Add(p.TotalReturned)
}

// IndividualAllocation is the non-herd slice of an automatic pool.
func (p Pool) IndividualAllocation() ledger.Amount {
	return p.CurrentBalance.Sub(p.HerdAllocation)
}

// =============================================================================
// POOL INVESTMENT
// =============================================================================

type InvestmentID string

type InvestmentType string

const (
	Contribution InvestmentType = "contribution"
	Withdrawal   InvestmentType = "withdrawal"

	// ReturnCredit records a distributed return owed to a contributor. It
	// does not change the contributor's principal; it feeds the ranking
	// performance component.
	ReturnCredit InvestmentType = "return_credit"
)

type InvestmentStatus string

const (
	InvestmentActive    InvestmentStatus = "active"
	InvestmentWithdrawn InvestmentStatus = "withdrawn"
)

// Source tags where a contribution came from.
type Source string

const (
	SourceDeposit      Source = "deposit"
	SourceReinvestment Source = "reinvestment"
	SourceSavings      Source = "savings"
)

type PoolInvestment struct {
	ID      InvestmentID
	PoolRef PoolID
	UserRef ledger.AccountID
	Amount  ledger.Amount
	Type    InvestmentType
	Status  InvestmentStatus
	Source  Source

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	CreatePool(ctx context.Context, p Pool) error
	GetPool(ctx context.Context, id PoolID) (Pool, error)
	UpdatePool(ctx context.Context, p Pool) error

	// ListPools returns pools, optionally filtered by type ("" = all).
	ListPools(ctx context.Context, typ Type) ([]Pool, error)

	CreateInvestment(ctx context.Context, inv PoolInvestment) error
	UpdateInvestment(ctx context.Context, inv PoolInvestment) error

	// InvestmentsForPool returns all investment records, chronologically.
	InvestmentsForPool(ctx context.Context, id PoolID) ([]PoolInvestment, error)
}

// =============================================================================
// AUDIT SINK - Outbound analytics boundary
// =============================================================================

// AuditEvent records a pool-level action for analytics collaborators.
type AuditEvent struct {
	At     time.Time
	PoolID PoolID
	Action string // "rebalance", "distribute", "suspend", "contribute", "withdraw"
	Detail map[string]string
}

type AuditSink interface {
	PoolEvent(ctx context.Context, e AuditEvent)
}

// NopAudit drops all events.
type NopAudit struct{}

func (NopAudit) PoolEvent(context.Context, AuditEvent) {}
