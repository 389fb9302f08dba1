/*
handlers.go - HTTP API handlers for the escrow engine

PURPOSE:
  Exposes the escrow/pool/disbursement engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                 Open account with seed balance
    GET    /api/accounts/{id}            Balances
    GET    /api/accounts/{id}/mutations  Balance history

  Holds:
    POST   /api/holds                    Place escrow hold
    GET    /api/holds/{id}               Hold details
    POST   /api/holds/{id}/extend        Push expiry out
    POST   /api/holds/{id}/release       Release (optional pool reinvestment)
    POST   /api/holds/{id}/cancel        Cancel, fees forgiven
    POST   /api/holds/{id}/convert       Consume as purchase

  Pools:
    POST   /api/pools                    Open pool
    GET    /api/pools/{id}               Pool state
    POST   /api/pools/{id}/funds         Add or withdraw funds
    POST   /api/pools/{id}/distribute    Distribute returns
    GET    /api/pools/quote              Risk-tier investment quote

  Water level:
    POST   /api/billing/events           Inbound billing events
    GET    /api/waterlevel               Current level + ratio

  Disbursements:
    GET    /api/disbursements            List (optional ?status=)
    POST   /api/disbursements/{id}/confirm  External settlement callback

  Admin:
    POST   /api/admin/cycles/{task}/run  Manual cycle trigger

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic (manager, engine, processor)
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, threshold/duration violations
  - 404: Resource not found
  - 409: Conflict (illegal state transition, concurrent modification)
  - 422: Insufficient funds
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - worker.go: The scheduled cycles behind the admin trigger
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/meridian/escrow-engine/disburse"
	"github.com/meridian/escrow-engine/hold"
	"github.com/meridian/escrow-engine/ledger"
	"github.com/meridian/escrow-engine/pool"
	"github.com/meridian/escrow-engine/waterlevel"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger    *ledger.Ledger
	Holds     *hold.Manager
	Pools     *pool.Engine
	Water     *waterlevel.Aggregator
	Processor *disburse.Processor
	Disb      disburse.Store
	Worker    *Worker
	Log       logrus.FieldLogger

	// Optional: enables the demo scenario endpoints.
	Resetter interface {
		Reset(ctx context.Context) error
	}
	currentScenario string
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// CreateAccount opens an account with a seed balance.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required", nil)
		return
	}

	acct, err := h.Ledger.CreateAccount(r.Context(),
		ledger.AccountID(req.ID), ledger.NewAmount(req.OpeningBalance))
	if err != nil {
		writeDomainError(w, "Failed to create account", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(acct))
}

// GetAccount returns an account's balances.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	acct, err := h.Ledger.Account(r.Context(), ledger.AccountID(id))
	if err != nil {
		writeDomainError(w, "Failed to get account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// GetMutations returns an account's balance history.
func (h *Handler) GetMutations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	muts, err := h.Ledger.Mutations(r.Context(), ledger.AccountID(id))
	if err != nil {
		writeDomainError(w, "Failed to get mutations", err)
		return
	}
	dtos := make([]MutationDTO, len(muts))
	for i, m := range muts {
		dtos[i] = toMutationDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HOLD HANDLERS
// =============================================================================

// CreateHold places an escrow hold.
func (h *Handler) CreateHold(w http.ResponseWriter, r *http.Request) {
	var req CreateHoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	created, err := h.Holds.Create(r.Context(), hold.CreateInput{
		ItemRef:      req.ItemRef,
		Holder:       ledger.AccountID(req.Holder),
		Owner:        ledger.AccountID(req.Owner),
		Amount:       ledger.NewAmount(req.Amount),
		ShippingCost: ledger.NewAmount(req.ShippingCost),
		DurationDays: req.DurationDays,
	})
	if err != nil {
		writeDomainError(w, "Failed to create hold", err)
		return
	}
	writeJSON(w, http.StatusCreated, toHoldDTO(created))
}

// GetHold returns a hold.
func (h *Handler) GetHold(w http.ResponseWriter, r *http.Request) {
	id := hold.ID(chi.URLParam(r, "id"))
	found, err := h.Holds.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get hold", err)
		return
	}
	writeJSON(w, http.StatusOK, toHoldDTO(found))
}

// ExtendHold pushes a hold's expiry out.
func (h *Handler) ExtendHold(w http.ResponseWriter, r *http.Request) {
	id := hold.ID(chi.URLParam(r, "id"))
	var req ExtendHoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	extended, err := h.Holds.Extend(r.Context(), id, ledger.AccountID(req.Actor), req.AdditionalDays)
	if err != nil {
		writeDomainError(w, "Failed to extend hold", err)
		return
	}
	writeJSON(w, http.StatusOK, toHoldDTO(extended))
}

// ReleaseHold releases the hold back to the holder. When the request names
// a reinvest pool, the post-fee refund is routed into that pool as a
// reinvestment contribution instead of staying available.
func (h *Handler) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	id := hold.ID(chi.URLParam(r, "id"))
	var req ReleaseHoldRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	released, err := h.Holds.Release(r.Context(), id, req.Reason)
	if err != nil {
		writeDomainError(w, "Failed to release hold", err)
		return
	}

	if req.ReinvestPool != "" {
		refund := released.Refund()
		if refund.IsPositive() {
			_, err := h.Pools.AddFunds(r.Context(), pool.PoolID(req.ReinvestPool),
				released.HolderRef, refund, pool.SourceReinvestment)
			if err != nil {
				// The release itself stands; the refund stays available.
				h.Log.WithError(err).WithFields(logrus.Fields{
					"hold": id, "pool": req.ReinvestPool,
				}).Warn("reinvestment routing failed, refund left on account")
			}
		}
	}
	writeJSON(w, http.StatusOK, toHoldDTO(released))
}

// CancelHold cancels a hold. Accrued fees are forgiven.
func (h *Handler) CancelHold(w http.ResponseWriter, r *http.Request) {
	id := hold.ID(chi.URLParam(r, "id"))
	var req CancelHoldRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	cancelled, err := h.Holds.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		writeDomainError(w, "Failed to cancel hold", err)
		return
	}
	writeJSON(w, http.StatusOK, toHoldDTO(cancelled))
}

// ConvertHold consumes a hold as a purchase at the final price.
func (h *Handler) ConvertHold(w http.ResponseWriter, r *http.Request) {
	id := hold.ID(chi.URLParam(r, "id"))
	var req ConvertHoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.FinalPrice <= 0 {
		writeError(w, http.StatusBadRequest, "final_price must be positive", nil)
		return
	}

	converted, err := h.Holds.ConvertToPurchase(r.Context(), id, ledger.NewAmount(req.FinalPrice))
	if err != nil {
		writeDomainError(w, "Failed to convert hold", err)
		return
	}
	writeJSON(w, http.StatusOK, toHoldDTO(converted))
}

// =============================================================================
// POOL HANDLERS
// =============================================================================

// CreatePool opens a pool.
func (h *Handler) CreatePool(w http.ResponseWriter, r *http.Request) {
	var req CreatePoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	typ := pool.Type(req.Type)
	switch typ {
	case pool.TypeIndividual, pool.TypeHerd, pool.TypeAutomatic:
	default:
		writeError(w, http.StatusBadRequest, "type must be individual, herd, or automatic", nil)
		return
	}
	risk := pool.RiskLevel(req.Risk)
	if risk == "" {
		risk = pool.RiskMedium
	}

	created, err := h.Pools.CreatePool(r.Context(),
		ledger.AccountID(req.Owner), typ, risk, ledger.NewAmount(req.Initial))
	if err != nil {
		writeDomainError(w, "Failed to create pool", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPoolDTO(created))
}

// GetPool returns a pool's state.
func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	id := pool.PoolID(chi.URLParam(r, "id"))
	found, err := h.Pools.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get pool", err)
		return
	}
	writeJSON(w, http.StatusOK, toPoolDTO(found))
}

// PoolFunds adds or withdraws pool funds, by direction.
func (h *Handler) PoolFunds(w http.ResponseWriter, r *http.Request) {
	id := pool.PoolID(chi.URLParam(r, "id"))
	var req PoolFundsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	user := ledger.AccountID(req.User)
	amount := ledger.NewAmount(req.Amount)

	var (
		p   pool.Pool
		err error
	)
	switch req.Direction {
	case "add", "":
		source := pool.Source(req.Source)
		if source == "" {
			source = pool.SourceDeposit
		}
		p, err = h.Pools.AddFunds(r.Context(), id, user, amount, source)
	case "withdraw":
		p, err = h.Pools.Withdraw(r.Context(), id, user, amount)
	default:
		writeError(w, http.StatusBadRequest, "direction must be add or withdraw", nil)
		return
	}
	if err != nil {
		writeDomainError(w, "Failed to move pool funds", err)
		return
	}
	writeJSON(w, http.StatusOK, toPoolDTO(p))
}

// DistributePool distributes returns to contributors. Zero total means the
// strategy-calculated amount.
func (h *Handler) DistributePool(w http.ResponseWriter, r *http.Request) {
	id := pool.PoolID(chi.URLParam(r, "id"))
	var req DistributeRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	total := ledger.NewAmount(req.Total)
	if total.IsZero() {
		calc, err := h.Pools.CalculateReturns(r.Context(), id)
		if err != nil {
			writeDomainError(w, "Failed to calculate returns", err)
			return
		}
		total = calc
	}

	distributed, err := h.Pools.DistributeReturns(r.Context(), id, total)
	if err != nil {
		writeDomainError(w, "Failed to distribute returns", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"distributed": distributed.Float64()})
}

// QuoteRisk suggests an investment amount for an item value and risk tier.
// GET /api/pools/quote?item_value=1200&risk=medium
func (h *Handler) QuoteRisk(w http.ResponseWriter, r *http.Request) {
	itemValue := parseFloatParam(r, "item_value")
	if itemValue <= 0 {
		writeError(w, http.StatusBadRequest, "item_value must be positive", nil)
		return
	}
	risk := pool.RiskLevel(r.URL.Query().Get("risk"))
	if risk == "" {
		risk = pool.RiskMedium
	}

	suggested, err := h.Pools.QuoteRiskTier(ledger.NewAmount(itemValue), risk)
	if err != nil {
		writeDomainError(w, "Failed to quote", err)
		return
	}
	writeJSON(w, http.StatusOK, QuoteDTO{
		ItemValue: itemValue,
		Risk:      string(risk),
		Suggested: suggested.Float64(),
	})
}

// =============================================================================
// WATER LEVEL HANDLERS
// =============================================================================

// RecordBillingEvent accepts one inbound billing observation.
func (h *Handler) RecordBillingEvent(w http.ResponseWriter, r *http.Request) {
	var req BillingEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	e := waterlevel.Event{
		Category: waterlevel.Category(req.Category),
		Amount:   req.Amount,
	}
	if req.ObservedAt != "" {
		t, err := time.Parse(time.RFC3339, req.ObservedAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid observed_at (use RFC3339)", err)
			return
		}
		e.ObservedAt = t
	}

	if err := h.Water.Record(r.Context(), e); err != nil {
		writeDomainError(w, "Failed to record billing event", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

// GetWaterLevel returns the current aggregation snapshot.
func (h *Handler) GetWaterLevel(w http.ResponseWriter, r *http.Request) {
	snap := h.Water.Snapshot()
	writeJSON(w, http.StatusOK, WaterLevelDTO{
		Level:      snap.Level,
		Ratio:      snap.Ratio,
		EventCount: snap.EventCount,
		ComputedAt: snap.ComputedAt.Format(time.RFC3339),
	})
}

// =============================================================================
// DISBURSEMENT HANDLERS
// =============================================================================

// ListDisbursements returns disbursements, optionally filtered by ?status=.
// ?status=operator_queue returns the exhausted-failure queue.
func (h *Handler) ListDisbursements(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")

	var (
		ds  []disburse.Disbursement
		err error
	)
	if status == "operator_queue" {
		ds, err = h.Processor.OperatorQueue(r.Context())
	} else {
		ds, err = h.Disb.ListDisbursements(r.Context(), disburse.DisbursementStatus(status))
	}
	if err != nil {
		writeDomainError(w, "Failed to list disbursements", err)
		return
	}

	dtos := make([]DisbursementDTO, len(ds))
	for i, d := range ds {
		dtos[i] = toDisbursementDTO(d)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ConfirmDisbursement records an external settlement outcome.
func (h *Handler) ConfirmDisbursement(w http.ResponseWriter, r *http.Request) {
	id := disburse.DisbursementID(chi.URLParam(r, "id"))
	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	d, err := h.Processor.ConfirmExternal(r.Context(), id, req.Success, req.Detail)
	if err != nil {
		writeDomainError(w, "Failed to confirm disbursement", err)
		return
	}
	writeJSON(w, http.StatusOK, toDisbursementDTO(d))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RunCycle triggers one scheduled cycle by name, out of band.
func (h *Handler) RunCycle(w http.ResponseWriter, r *http.Request) {
	task := chi.URLParam(r, "task")
	if h.Worker == nil {
		writeError(w, http.StatusServiceUnavailable, "Worker not running", nil)
		return
	}

	if err := h.Worker.RunTask(r.Context(), task); err != nil {
		if errors.Is(err, errUnknownTask) {
			writeError(w, http.StatusNotFound, "Unknown task", err)
			return
		}
		writeDomainError(w, "Cycle failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task": task, "status": "completed"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the engine's error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, http.StatusUnprocessableEntity, message, err)
	case errors.Is(err, ledger.ErrInvalidStateTransition),
		errors.Is(err, ledger.ErrConcurrentModification):
		writeError(w, http.StatusConflict, message, err)
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func parseFloatParam(r *http.Request, name string) float64 {
	var v float64
	if s := r.URL.Query().Get(name); s != "" {
		json.Unmarshal([]byte(s), &v)
	}
	return v
}
