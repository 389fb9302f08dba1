/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the escrow engine server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load the coefficient table (defaults + optional YAML overlay)
  3. Initialize SQLite store
  4. Wire ledger, hold manager, pool engine, aggregator, processor
  5. Start the background cycle worker
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port      HTTP server port (default: 8080)
  -db        SQLite database path (default: escrow.db)
             Use ":memory:" for an in-memory database
  -config    YAML coefficient file (optional, overlays defaults)
  -platform  Platform fee account id (default: platform)
  -log-level logrus level (default: info)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Stop the cycle worker
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/escrow.db"

  # Run with a coefficient overlay
  ./server -config=./coefficients.yaml

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: The coefficient table
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meridian/escrow-engine/api"
	"github.com/meridian/escrow-engine/config"
	"github.com/meridian/escrow-engine/disburse"
	"github.com/meridian/escrow-engine/hold"
	"github.com/meridian/escrow-engine/ledger"
	"github.com/meridian/escrow-engine/metrics"
	"github.com/meridian/escrow-engine/pool"
	"github.com/meridian/escrow-engine/store/sqlite"
	"github.com/meridian/escrow-engine/waterlevel"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "escrow.db", "SQLite database path")
	cfgPath := flag.String("config", "", "YAML coefficient file (optional)")
	platform := flag.String("platform", "platform", "platform fee account id")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		log.SetLevel(lvl)
	}

	// Coefficients
	cfg := config.Defaults()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			log.WithError(err).Fatal("failed to load coefficient file")
		}
		cfg = loaded
	}
	log.WithField("version", cfg.Version).Info("coefficient table loaded")

	// Store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize database")
	}
	defer store.Close()

	// Core wiring
	led := ledger.New(store)
	platformID := ledger.AccountID(*platform)
	ensurePlatformAccount(led, platformID, log)

	water := waterlevel.New(store, waterlevel.Config{
		Weights: waterlevel.Weights{
			Server: cfg.WaterLevel.CategoryWeights["server"],
			IT:     cfg.WaterLevel.CategoryWeights["it"],
			HR:     cfg.WaterLevel.CategoryWeights["hr"],
			Other:  cfg.WaterLevel.CategoryWeights["other"],
		},
		Floor:   cfg.WaterLevel.Min,
		Ceiling: cfg.WaterLevel.Max,
		Target:  cfg.WaterLevel.TargetThreshold,
		Window:  time.Duration(cfg.WaterLevel.WindowHours) * time.Hour,
	}, log)

	holds := hold.NewManager(led, store, store, nil, cfg.Hold, platformID, log)
	pools := pool.NewEngine(led, store, store, nil, cfg.Pool, water.Ratio, log)
	processor := disburse.NewProcessor(led, store, disburse.NullGateway{}, cfg.Disbursement, log)

	m := metrics.New()
	valuer := pool.FlatValuer{AnnualRates: map[pool.RiskLevel]float64{
		pool.RiskLow:    0.02,
		pool.RiskMedium: 0.05,
		pool.RiskHigh:   0.09,
	}}
	worker := api.NewWorker(holds, pools, water, processor, valuer, store, m, cfg.Worker, log)
	worker.Start()
	defer worker.Stop()

	handler := &api.Handler{
		Ledger:    led,
		Holds:     holds,
		Pools:     pools,
		Water:     water,
		Processor: processor,
		Disb:      store,
		Worker:    worker,
		Log:       log,
		Resetter:  store,
	}

	router := api.NewRouter(handler, m.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.WithField("addr", server.Addr).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Fatal("server forced to shutdown")
	}

	log.Info("server stopped")
}

// ensurePlatformAccount opens the fee account on first boot. An existing
// account is left untouched.
func ensurePlatformAccount(led *ledger.Ledger, id ledger.AccountID, log logrus.FieldLogger) {
	ctx := context.Background()
	if _, err := led.Account(ctx, id); err == nil {
		return
	}
	if _, err := led.CreateAccount(ctx, id, ledger.Zero()); err != nil {
		log.WithError(err).Warn("failed to create platform account")
	}
}
