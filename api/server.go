/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /api/accounts/*       Account + balance history
  /api/holds/*          Escrow hold lifecycle
  /api/pools/*          Investment pools
  /api/billing/*        Water level inputs
  /api/waterlevel       Aggregation snapshot
  /api/disbursements/*  Payout queue + confirmation callback
  /api/admin/*          Manual cycle triggers
  /metrics              Prometheus exposition

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured. The metrics
// handler may be nil, in which case /metrics is not mounted.
func NewRouter(h *Handler, metricsHandler http.Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Account routes
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.CreateAccount)
			r.Get("/{id}", h.GetAccount)
			r.Get("/{id}/mutations", h.GetMutations)
		})

		// Hold routes
		r.Route("/holds", func(r chi.Router) {
			r.Post("/", h.CreateHold)
			r.Get("/{id}", h.GetHold)
			r.Post("/{id}/extend", h.ExtendHold)
			r.Post("/{id}/release", h.ReleaseHold)
			r.Post("/{id}/cancel", h.CancelHold)
			r.Post("/{id}/convert", h.ConvertHold)
		})

		// Pool routes
		r.Route("/pools", func(r chi.Router) {
			r.Post("/", h.CreatePool)
			r.Get("/quote", h.QuoteRisk)
			r.Get("/{id}", h.GetPool)
			r.Post("/{id}/funds", h.PoolFunds)
			r.Post("/{id}/distribute", h.DistributePool)
		})

		// Water level routes
		r.Post("/billing/events", h.RecordBillingEvent)
		r.Get("/waterlevel", h.GetWaterLevel)

		// Disbursement routes
		r.Route("/disbursements", func(r chi.Router) {
			r.Get("/", h.ListDisbursements)
			r.Post("/{id}/confirm", h.ConfirmDisbursement)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/cycles/{task}/run", h.RunCycle)
		})

		// Scenario routes (development/demo)
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	return r
}
