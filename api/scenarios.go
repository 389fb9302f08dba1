/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for testing and demos. Each scenario creates accounts, holds,
	pools, and billing events that demonstrate specific features.

AVAILABLE SCENARIOS:

	marketplace-basic:  Two users, one escrow hold on a listed item
	herd-pool:          A herd pool at minimum size, ready to distribute
	liquidity-shift:    Automatic pools + billing events pushing the
	                    water level up

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Open accounts with seed balances
 3. Create holds / pools via the domain APIs
 4. Optionally record billing events

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "herd-pool"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: the Handler these loaders run through
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/meridian/escrow-engine/hold"
	"github.com/meridian/escrow-engine/ledger"
	"github.com/meridian/escrow-engine/pool"
	"github.com/meridian/escrow-engine/waterlevel"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// ScenarioDTO describes one loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "marketplace-basic",
		Name:        "Marketplace Basic",
		Description: "Two users, one escrow hold on a listed item",
	},
	{
		ID:          "herd-pool",
		Name:        "Herd Pool",
		Description: "A herd pool at minimum size, ready to distribute returns",
	},
	{
		ID:          "liquidity-shift",
		Name:        "Liquidity Shift",
		Description: "Automatic pools plus billing events pushing the water level up",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.currentScenario == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: h.currentScenario, Name: h.currentScenario})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if h.Resetter == nil {
		writeError(w, http.StatusServiceUnavailable, "Store does not support reset", nil)
		return
	}

	ctx := r.Context()
	if err := h.Resetter.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	var err error
	switch req.ScenarioID {
	case "marketplace-basic":
		err = h.loadMarketplaceBasic(ctx)
	case "herd-pool":
		err = h.loadHerdPool(ctx)
	case "liquidity-shift":
		err = h.loadLiquidityShift(ctx)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario: "+req.ScenarioID, nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, map[string]string{"loaded": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if h.Resetter == nil {
		writeError(w, http.StatusServiceUnavailable, "Store does not support reset", nil)
		return
	}
	if err := h.Resetter.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// LOADERS
// =============================================================================

func (h *Handler) loadMarketplaceBasic(ctx context.Context) error {
	if _, err := h.Ledger.CreateAccount(ctx, "alice", ledger.NewAmount(2000)); err != nil {
		return err
	}
	if _, err := h.Ledger.CreateAccount(ctx, "bob", ledger.NewAmount(500)); err != nil {
		return err
	}

	_, err := h.Holds.Create(ctx, hold.CreateInput{
		ItemRef:      "vintage-camera",
		Holder:       "alice",
		Owner:        "bob",
		Amount:       ledger.NewAmount(350),
		ShippingCost: ledger.NewAmount(25),
		DurationDays: 30,
	})
	return err
}

func (h *Handler) loadHerdPool(ctx context.Context) error {
	p, err := h.Pools.CreatePool(ctx, "founder", pool.TypeHerd, pool.RiskMedium, ledger.Zero())
	if err != nil {
		return err
	}

	// Ten contributors activates the herd.
	for i := 1; i <= 10; i++ {
		user := ledger.AccountID(fmt.Sprintf("member-%02d", i))
		if _, err := h.Ledger.CreateAccount(ctx, user, ledger.NewAmount(5000)); err != nil {
			return err
		}
		amount := ledger.NewAmount(float64(100 * i))
		if _, err := h.Pools.AddFunds(ctx, p.ID, user, amount, pool.SourceDeposit); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadLiquidityShift(ctx context.Context) error {
	for i := 1; i <= 3; i++ {
		user := ledger.AccountID(fmt.Sprintf("investor-%d", i))
		if _, err := h.Ledger.CreateAccount(ctx, user, ledger.NewAmount(20000)); err != nil {
			return err
		}
		p, err := h.Pools.CreatePool(ctx, user, pool.TypeAutomatic, pool.RiskLow, ledger.Zero())
		if err != nil {
			return err
		}
		if _, err := h.Pools.AddFunds(ctx, p.ID, user, ledger.NewAmount(5000), pool.SourceDeposit); err != nil {
			return err
		}
	}

	// Heavy server billing pushes the ratio toward the herd threshold.
	events := []waterlevel.Event{
		{Category: waterlevel.CategoryServer, Amount: 12000},
		{Category: waterlevel.CategoryIT, Amount: 4000},
		{Category: waterlevel.CategoryHR, Amount: 1500},
	}
	for _, e := range events {
		if err := h.Water.Record(ctx, e); err != nil {
			return err
		}
	}
	_, err := h.Water.Recompute(ctx)
	return err
}
