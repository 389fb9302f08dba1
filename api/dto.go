/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Account:
    AccountDTO, CreateAccountRequest

  Hold:
    HoldDTO, CreateHoldRequest, ExtendHoldRequest, ReleaseHoldRequest,
    ConvertHoldRequest

  Pool:
    PoolDTO, CreatePoolRequest, PoolFundsRequest, DistributeRequest,
    QuoteDTO

  Disbursement:
    WaterLimitDTO, DisbursementDTO, ConfirmRequest

  Water level:
    BillingEventRequest, WaterLevelDTO

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/meridian/escrow-engine/disburse"
	"github.com/meridian/escrow-engine/hold"
	"github.com/meridian/escrow-engine/ledger"
	"github.com/meridian/escrow-engine/pool"
)

// =============================================================================
// ACCOUNT TYPES
// =============================================================================

// AccountDTO represents an account in API responses.
type AccountDTO struct {
	ID        string  `json:"id"`
	Available float64 `json:"available"`
	Held      float64 `json:"held"`
	Total     float64 `json:"total"`
	CreatedAt string  `json:"created_at,omitempty"`
	UpdatedAt string  `json:"updated_at,omitempty"`
}

// CreateAccountRequest is the request to open an account.
type CreateAccountRequest struct {
	ID             string  `json:"id"`
	OpeningBalance float64 `json:"opening_balance"`
}

func toAccountDTO(a ledger.Account) AccountDTO {
	return AccountDTO{
		ID:        string(a.ID),
		Available: a.Available.Float64(),
		Held:      a.Held.Float64(),
		Total:     a.Total().Float64(),
		CreatedAt: a.CreatedAt.Format(time.RFC3339),
		UpdatedAt: a.UpdatedAt.Format(time.RFC3339),
	}
}

// MutationDTO represents one balance-log entry.
type MutationDTO struct {
	ID             string  `json:"id"`
	Type           string  `json:"type"`
	Amount         float64 `json:"amount"`
	AvailableDelta float64 `json:"available_delta"`
	HeldDelta      float64 `json:"held_delta"`
	ReferenceID    string  `json:"reference_id,omitempty"`
	Reason         string  `json:"reason,omitempty"`
	CreatedBy      string  `json:"created_by,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

func toMutationDTO(m ledger.Mutation) MutationDTO {
	return MutationDTO{
		ID:             string(m.ID),
		Type:           string(m.Type),
		Amount:         m.Amount.Float64(),
		AvailableDelta: m.AvailableDelta.Float64(),
		HeldDelta:      m.HeldDelta.Float64(),
		ReferenceID:    m.ReferenceID,
		Reason:         m.Reason,
		CreatedBy:      m.CreatedBy,
		CreatedAt:      m.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// HOLD TYPES
// =============================================================================

// HoldDTO represents a hold in API responses.
type HoldDTO struct {
	ID                string  `json:"id"`
	ItemRef           string  `json:"item_ref"`
	Holder            string  `json:"holder"`
	Owner             string  `json:"owner"`
	Amount            float64 `json:"amount"`
	ShippingCost      float64 `json:"shipping_cost"`
	Status            string  `json:"status"`
	DurationDays      int     `json:"duration_days"`
	ExpiresAt         string  `json:"expires_at"`
	ExtendedAt        *string `json:"extended_at,omitempty"`
	StagnationAccrued float64 `json:"stagnation_accrued"`
	GraceFlagged      bool    `json:"grace_flagged"`
	CreatedAt         string  `json:"created_at"`
}

func toHoldDTO(h hold.Hold) HoldDTO {
	dto := HoldDTO{
		ID:                string(h.ID),
		ItemRef:           h.ItemRef,
		Holder:            string(h.HolderRef),
		Owner:             string(h.OwnerRef),
		Amount:            h.Amount.Float64(),
		ShippingCost:      h.ShippingCost.Float64(),
		Status:            string(h.Status),
		DurationDays:      h.DurationDays,
		ExpiresAt:         h.ExpiresAt.Format(time.RFC3339),
		StagnationAccrued: h.StagnationAccrued.Float64(),
		GraceFlagged:      h.GraceFlagged,
		CreatedAt:         h.CreatedAt.Format(time.RFC3339),
	}
	if h.ExtendedAt != nil {
		s := h.ExtendedAt.Format(time.RFC3339)
		dto.ExtendedAt = &s
	}
	return dto
}

// CreateHoldRequest is the request to place an escrow hold.
type CreateHoldRequest struct {
	ItemRef      string  `json:"item_ref"`
	Holder       string  `json:"holder"`
	Owner        string  `json:"owner"`
	Amount       float64 `json:"amount"`
	ShippingCost float64 `json:"shipping_cost"`
	DurationDays int     `json:"duration_days"`
}

// ExtendHoldRequest is the request to push a hold's expiry out.
type ExtendHoldRequest struct {
	Actor          string `json:"actor"`
	AdditionalDays int    `json:"additional_days"`
}

// ReleaseHoldRequest optionally routes the refund into a pool instead of
// back to the available balance.
type ReleaseHoldRequest struct {
	Reason       string `json:"reason,omitempty"`
	ReinvestPool string `json:"reinvest_pool,omitempty"`
}

// CancelHoldRequest is the request to cancel a hold.
type CancelHoldRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ConvertHoldRequest is the request to consume a hold as a purchase.
type ConvertHoldRequest struct {
	FinalPrice float64 `json:"final_price"`
}

// =============================================================================
// POOL TYPES
// =============================================================================

// PoolDTO represents a pool in API responses.
type PoolDTO struct {
	ID             string  `json:"id"`
	Owner          string  `json:"owner"`
	Type           string  `json:"type"`
	Risk           string  `json:"risk"`
	CurrentBalance float64 `json:"current_balance"`
	TotalInvested  float64 `json:"total_invested"`
	TotalReturned  float64 `json:"total_returned"`
	HerdAllocation float64 `json:"herd_allocation"`
	WaterLevel     float64 `json:"water_level"`
	Active         bool    `json:"active"`
	Suspended      bool    `json:"suspended"`
	CreatedAt      string  `json:"created_at"`
}

func toPoolDTO(p pool.Pool) PoolDTO {
	return PoolDTO{
		ID:             string(p.ID),
		Owner:          string(p.OwnerRef),
		Type:           string(p.Type),
		Risk:           string(p.Risk),
		CurrentBalance: p.CurrentBalance.Float64(),
		TotalInvested:  p.TotalInvested.Float64(),
		TotalReturned:  p.TotalReturned.Float64(),
		HerdAllocation: p.HerdAllocation.Float64(),
		WaterLevel:     p.WaterLevel,
		Active:         p.Active,
		Suspended:      p.Suspended,
		CreatedAt:      p.CreatedAt.Format(time.RFC3339),
	}
}

// CreatePoolRequest is the request to open a pool.
type CreatePoolRequest struct {
	Owner   string  `json:"owner"`
	Type    string  `json:"type"`
	Risk    string  `json:"risk"`
	Initial float64 `json:"initial,omitempty"`
}

// PoolFundsRequest moves money in or out of a pool. Direction selects
// "add" or "withdraw".
type PoolFundsRequest struct {
	User      string  `json:"user"`
	Amount    float64 `json:"amount"`
	Direction string  `json:"direction"`
	Source    string  `json:"source,omitempty"`
}

// DistributeRequest triggers a return distribution. Zero total means
// distribute the strategy-calculated amount.
type DistributeRequest struct {
	Total float64 `json:"total,omitempty"`
}

// QuoteDTO is the suggested investment for an item value and risk tier.
type QuoteDTO struct {
	ItemValue float64 `json:"item_value"`
	Risk      string  `json:"risk"`
	Suggested float64 `json:"suggested"`
}

// =============================================================================
// DISBURSEMENT TYPES
// =============================================================================

// WaterLimitDTO represents a pending credit.
type WaterLimitDTO struct {
	ID            string  `json:"id"`
	AccountID     string  `json:"account_id"`
	Category      string  `json:"category"`
	Amount        float64 `json:"amount"`
	Status        string  `json:"status"`
	EffectiveDate string  `json:"effective_date"`
	ReferenceID   string  `json:"reference_id,omitempty"`
}

func toWaterLimitDTO(wl disburse.WaterLimit) WaterLimitDTO {
	return WaterLimitDTO{
		ID:            string(wl.ID),
		AccountID:     string(wl.AccountID),
		Category:      string(wl.Category),
		Amount:        wl.Amount.Float64(),
		Status:        string(wl.Status),
		EffectiveDate: wl.EffectiveDate.Format(time.RFC3339),
		ReferenceID:   wl.ReferenceID,
	}
}

// DisbursementDTO represents a payout record.
type DisbursementDTO struct {
	ID          string  `json:"id"`
	WaterLimit  string  `json:"water_limit"`
	Recipient   string  `json:"recipient"`
	Amount      float64 `json:"amount"`
	Method      string  `json:"method"`
	Status      string  `json:"status"`
	ScheduledAt string  `json:"scheduled_at"`
	ProcessedAt *string `json:"processed_at,omitempty"`
	Attempts    int     `json:"attempts"`
	LastError   string  `json:"last_error,omitempty"`
	Exhausted   bool    `json:"exhausted"`
}

func toDisbursementDTO(d disburse.Disbursement) DisbursementDTO {
	dto := DisbursementDTO{
		ID:          string(d.ID),
		WaterLimit:  string(d.WaterLimit),
		Recipient:   string(d.RecipientID),
		Amount:      d.Amount.Float64(),
		Method:      string(d.Method),
		Status:      string(d.Status),
		ScheduledAt: d.ScheduledAt.Format(time.RFC3339),
		Attempts:    d.Attempts,
		LastError:   d.LastError,
		Exhausted:   d.Exhausted,
	}
	if d.ProcessedAt != nil {
		s := d.ProcessedAt.Format(time.RFC3339)
		dto.ProcessedAt = &s
	}
	return dto
}

// ConfirmRequest is the gateway's settlement callback payload.
type ConfirmRequest struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}

// =============================================================================
// WATER LEVEL TYPES
// =============================================================================

// BillingEventRequest is one inbound billing observation.
type BillingEventRequest struct {
	Category   string  `json:"category"`
	Amount     float64 `json:"amount"`
	ObservedAt string  `json:"observed_at,omitempty"`
}

// WaterLevelDTO is the current aggregation snapshot.
type WaterLevelDTO struct {
	Level      float64 `json:"level"`
	Ratio      float64 `json:"ratio"`
	EventCount int     `json:"event_count"`
	ComputedAt string  `json:"computed_at"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
