/*
Package waterlevel computes the platform liquidity signal that drives
automatic pool rebalancing.

PURPOSE:
  Billing events arrive tagged with a category (server, IT, HR, other).
  Each cycle the aggregator folds the events recorded since the previous
  cycle into a weighted level:

    level = clamp(sum(weight[category] x amount), floor, ceiling)
    ratio = clamp(level / target, 0, 1)

  The ratio is what the pool engine consumes: high ratio means the
  platform is flush and Automatic pools drift toward herd allocation,
  low ratio drifts them back to individual.

  Within a cycle the last computed level wins; readers always see the
  most recent complete aggregation, never a partial one.

SEE ALSO:
  - pool/rebalance.go: the consumer of Ratio()
  - metrics/: the exported gauges
*/
package waterlevel

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// CATEGORIES
// =============================================================================

type Category string

const (
	CategoryServer Category = "server"
	CategoryIT     Category = "it"
	CategoryHR     Category = "hr"
	CategoryOther  Category = "other"
)

// Valid reports whether c is a known billing category. Unknown categories
// are folded in at the "other" weight rather than rejected.
func (c Category) Valid() bool {
	switch c {
	case CategoryServer, CategoryIT, CategoryHR, CategoryOther:
		return true
	}
	return false
}

// Event is one billing observation.
type Event struct {
	Category   Category
	Amount     float64
	ObservedAt time.Time
}

// Store persists billing events between cycles.
type Store interface {
	RecordEvent(ctx context.Context, e Event) error
	// EventsSince returns events observed at or after the cutoff.
	EventsSince(ctx context.Context, cutoff time.Time) ([]Event, error)
}

// =============================================================================
// CONFIG
// =============================================================================

// Weights maps each category to its contribution factor.
type Weights struct {
	Server float64
	IT     float64
	HR     float64
	Other  float64
}

func (w Weights) For(c Category) float64 {
	switch c {
	case CategoryServer:
		return w.Server
	case CategoryIT:
		return w.IT
	case CategoryHR:
		return w.HR
	default:
		return w.Other
	}
}

// Config holds the aggregation parameters.
type Config struct {
	Weights Weights
	Floor   float64 // minimum level, also the value before any events
	Ceiling float64 // maximum level
	Target  float64 // ratio denominator
	Window  time.Duration
}

// =============================================================================
// AGGREGATOR
// =============================================================================

// Snapshot is one completed aggregation.
type Snapshot struct {
	Level      float64
	Ratio      float64
	EventCount int
	ComputedAt time.Time
}

// Aggregator folds billing events into the liquidity ratio. Recompute
// runs from the scheduled cycle; Ratio is read concurrently by the pool
// engine.
type Aggregator struct {
	store Store
	cfg   Config
	log   logrus.FieldLogger
	nowFn func() time.Time

	mu   sync.RWMutex
	last Snapshot
}

func New(st Store, cfg Config, log logrus.FieldLogger) *Aggregator {
	a := &Aggregator{store: st, cfg: cfg, log: log, nowFn: time.Now}
	a.last = Snapshot{Level: cfg.Floor, Ratio: clamp(cfg.Floor/cfg.Target, 0, 1)}
	return a
}

// WithClock overrides the time source. For tests.
func (a *Aggregator) WithClock(fn func() time.Time) *Aggregator { a.nowFn = fn; return a }

// Record stores one billing event for the next aggregation.
func (a *Aggregator) Record(ctx context.Context, e Event) error {
	if e.Amount < 0 {
		e.Amount = 0
	}
	if !e.Category.Valid() {
		e.Category = CategoryOther
	}
	if e.ObservedAt.IsZero() {
		e.ObservedAt = a.nowFn()
	}
	return a.store.RecordEvent(ctx, e)
}

// Recompute folds the current window's events into a fresh snapshot and
// publishes it. The previous snapshot stays visible until the new one is
// complete.
func (a *Aggregator) Recompute(ctx context.Context) (Snapshot, error) {
	now := a.nowFn()
	events, err := a.store.EventsSince(ctx, now.Add(-a.cfg.Window))
	if err != nil {
		return Snapshot{}, err
	}

	var sum float64
	for _, e := range events {
		sum += a.cfg.Weights.For(e.Category) * e.Amount
	}
	level := clamp(sum, a.cfg.Floor, a.cfg.Ceiling)
	snap := Snapshot{
		Level:      level,
		Ratio:      clamp(level/a.cfg.Target, 0, 1),
		EventCount: len(events),
		ComputedAt: now,
	}

	a.mu.Lock()
	a.last = snap
	a.mu.Unlock()

	a.log.WithFields(logrus.Fields{
		"level": snap.Level, "ratio": snap.Ratio, "events": snap.EventCount,
	}).Info("water level recomputed")
	return snap, nil
}

// Ratio returns the most recent liquidity ratio, in [0, 1].
func (a *Aggregator) Ratio() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last.Ratio
}

// Snapshot returns the most recent complete aggregation.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
