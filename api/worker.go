/*
worker.go - Scheduled cycle runner

PURPOSE:
  Runs the engine's background cycles off a single ticker:

    hold-stagnation     daily    fee accrual, grace expiry, reminders
    pool-rebalance      daily    automatic allocation control loop
    pool-valuation      2-hourly value drift + stop-loss monitor
    water-level         hourly   billing aggregation
    disbursement-batch  hourly   water-limit release + payouts

DESIGN:
  - One goroutine wakes on a base tick and checks each task's period key
    (the logical day or hour bucket). A task runs at most once per key:
    keys are stamped through CycleStore, so restarts and duplicate ticks
    never double-run a cycle.
  - Per-task failures are logged and retried on the next tick; one broken
    cycle never stops the others.
  - The tick interval adapts to load: the water-level ratio selects a
    gear (low/medium/high/veryhigh), and each gear carries an interval
    multiplier. A flush platform gets faster monitoring.

USAGE:
  worker := NewWorker(deps, cfg, metrics, log)
  worker.Start()
  // ... later
  worker.Stop()

SEE ALSO:
  - handlers.go: RunCycle, the manual trigger
  - store/sqlite: the cycle_runs stamps
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meridian/escrow-engine/config"
	"github.com/meridian/escrow-engine/disburse"
	"github.com/meridian/escrow-engine/hold"
	"github.com/meridian/escrow-engine/metrics"
	"github.com/meridian/escrow-engine/pool"
	"github.com/meridian/escrow-engine/waterlevel"
)

var errUnknownTask = errors.New("unknown task")

// CycleStore persists (task, period key) stamps so cycles run at most once
// per logical period across restarts and duplicate ticks.
type CycleStore interface {
	CycleRunDone(ctx context.Context, task, key string) (bool, error)
	MarkCycleRun(ctx context.Context, task, key string) error
}

// task is one scheduled cycle: a name, a period-key function, and the work.
type task struct {
	name   string
	keyFor func(t time.Time) string
	run    func(ctx context.Context, asOf time.Time) error
}

// Worker drives the scheduled cycles.
type Worker struct {
	Holds     *hold.Manager
	Pools     *pool.Engine
	Water     *waterlevel.Aggregator
	Processor *disburse.Processor
	Valuer    pool.Valuer
	Cycles    CycleStore
	Metrics   *metrics.Metrics

	cfg   config.WorkerCoefficients
	log   logrus.FieldLogger
	nowFn func() time.Time

	tasks []task

	mu      sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewWorker wires the cycle runner. Metrics may be nil.
func NewWorker(holds *hold.Manager, pools *pool.Engine, water *waterlevel.Aggregator,
	proc *disburse.Processor, valuer pool.Valuer, cycles CycleStore,
	m *metrics.Metrics, cfg config.WorkerCoefficients, log logrus.FieldLogger) *Worker {

	w := &Worker{
		Holds:     holds,
		Pools:     pools,
		Water:     water,
		Processor: proc,
		Valuer:    valuer,
		Cycles:    cycles,
		Metrics:   m,
		cfg:       cfg,
		log:       log.WithField("component", "worker"),
		nowFn:     time.Now,
	}
	w.tasks = []task{
		{"water-level", hourKey, w.runWaterLevel},
		{"hold-stagnation", dayKey, w.runStagnation},
		{"pool-valuation", twoHourKey, w.runValuation},
		{"pool-rebalance", dayKey, w.runRebalance},
		{"disbursement-batch", hourKey, w.runDisbursement},
	}
	return w
}

// WithClock overrides the time source. For tests.
func (w *Worker) WithClock(fn func() time.Time) *Worker { w.nowFn = fn; return w }

// Start begins the cycle loop.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	w.wg.Add(1)
	go w.loop()
	w.log.WithField("interval", w.cfg.CheckInterval).Info("worker started")
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.stop)
	w.wg.Wait()
	w.running = false
	w.log.Info("worker stopped")
}

func (w *Worker) loop() {
	defer w.wg.Done()

	// First pass immediately on start.
	w.tick()

	for {
		select {
		case <-time.After(w.interval()):
			w.tick()
		case <-w.stop:
			return
		}
	}
}

// interval returns the base tick scaled by the current gear.
func (w *Worker) interval() time.Duration {
	gear, mult := w.gear()
	d := time.Duration(float64(w.cfg.CheckInterval) * mult)
	if d <= 0 {
		d = w.cfg.CheckInterval
	}
	w.log.WithFields(logrus.Fields{"gear": gear, "interval": d}).Debug("gear selected")
	return d
}

// gear picks the highest gear whose ratio threshold is met.
func (w *Worker) gear() (string, float64) {
	ratio := w.Water.Ratio()
	best, bestThreshold := "low", -1.0
	for name, threshold := range w.cfg.GearThresholds {
		if ratio >= threshold && threshold > bestThreshold {
			best, bestThreshold = name, threshold
		}
	}
	mult, ok := w.cfg.GearMultipliers[best]
	if !ok || mult <= 0 {
		mult = 1.0
	}
	return best, mult
}

// tick runs every task whose current period key is unstamped.
func (w *Worker) tick() {
	ctx := context.Background()
	now := w.nowFn()

	for _, t := range w.tasks {
		key := t.keyFor(now)
		done, err := w.Cycles.CycleRunDone(ctx, t.name, key)
		if err != nil {
			w.log.WithError(err).WithField("task", t.name).Warn("cycle stamp check failed")
			continue
		}
		if done {
			continue
		}
		if err := w.runOnce(ctx, t, now, key); err != nil {
			w.log.WithError(err).WithField("task", t.name).Warn("cycle failed, will retry next tick")
		}
	}
}

func (w *Worker) runOnce(ctx context.Context, t task, now time.Time, key string) error {
	start := time.Now()
	err := t.run(ctx, now)
	if w.Metrics != nil {
		w.Metrics.CycleDuration.WithLabelValues(t.name).Observe(time.Since(start).Seconds())
		if err != nil {
			w.Metrics.CycleFailures.WithLabelValues(t.name).Inc()
		} else {
			w.Metrics.CycleRuns.WithLabelValues(t.name).Inc()
		}
	}
	if err != nil {
		return err
	}
	return w.Cycles.MarkCycleRun(ctx, t.name, key)
}

// RunTask triggers one named task out of band, ignoring the period stamp.
func (w *Worker) RunTask(ctx context.Context, name string) error {
	now := w.nowFn()
	for _, t := range w.tasks {
		if t.name == name {
			return t.run(ctx, now)
		}
	}
	return errUnknownTask
}

// =============================================================================
// TASK BODIES
// =============================================================================

func (w *Worker) runStagnation(ctx context.Context, asOf time.Time) error {
	res, err := w.Holds.RunDaily(ctx, asOf)
	if err != nil {
		return err
	}
	if w.Metrics != nil {
		w.Metrics.StagnationAccrued.Add(float64(res.Accrued))
		w.Metrics.HoldsActive.Set(float64(res.Active))
	}
	return nil
}

func (w *Worker) runRebalance(ctx context.Context, asOf time.Time) error {
	_, err := w.Pools.RebalanceAll(ctx, asOf)
	return err
}

func (w *Worker) runValuation(ctx context.Context, asOf time.Time) error {
	res, err := w.Pools.RecomputeValues(ctx, w.Valuer, asOf)
	if err != nil {
		return err
	}
	if w.Metrics != nil && res.Suspended > 0 {
		w.Metrics.PoolsSuspended.Add(float64(res.Suspended))
	}
	return nil
}

func (w *Worker) runWaterLevel(ctx context.Context, asOf time.Time) error {
	snap, err := w.Water.Recompute(ctx)
	if err != nil {
		return err
	}
	if w.Metrics != nil {
		w.Metrics.WaterLevel.Set(snap.Level)
		w.Metrics.WaterLevelRatio.Set(snap.Ratio)
	}
	return nil
}

func (w *Worker) runDisbursement(ctx context.Context, asOf time.Time) error {
	res, err := w.Processor.RunBatch(ctx, asOf)
	if err != nil {
		return err
	}
	if w.Metrics != nil {
		w.Metrics.DisbursedTotal.Add(res.Disbursed.Float64())
		w.Metrics.DisbursementsFailed.Add(float64(res.Failed))
	}
	return nil
}

// =============================================================================
// PERIOD KEYS
// =============================================================================

func dayKey(t time.Time) string  { return t.UTC().Format("2006-01-02") }
func hourKey(t time.Time) string { return t.UTC().Format("2006-01-02T15") }

func twoHourKey(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%sH%02d", u.Format("2006-01-02"), u.Hour()/2)
}
