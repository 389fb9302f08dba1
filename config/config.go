/*
Package config provides the versioned coefficient table for the escrow engine.

PURPOSE:
  Every numeric constant the engine depends on - hold thresholds, stagnation
  rates, pool contribution bounds, rebalancing factors, disbursement caps -
  lives in one explicit, versioned structure. Components receive the table
  at construction time. Nothing reads scattered literals or package-level
  mutable state.

LOADING:
  Defaults() returns the compiled-in table. Load(path) overlays a YAML file
  on top of the defaults, so an operator file only needs the coefficients it
  changes:

    version: "2026-02"
    hold:
      max_amount: 25000

  Validate() runs after every load and rejects tables that would break
  engine invariants (negative rates, inverted thresholds, zero batch size).

VERSIONING:
  The version string is carried into audit output and the /api/waterlevel
  response so an operator can always tell which table produced a number.

SEE ALSO:
  - cmd/server/main.go: loads the table at startup
  - hold/, pool/, waterlevel/, disburse/: consume sub-tables
*/
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// COEFFICIENT TABLE
// =============================================================================

// Coefficients is the complete numeric configuration surface of the engine.
type Coefficients struct {
	Version string `yaml:"version"`

	Hold         HoldCoefficients         `yaml:"hold"`
	Pool         PoolCoefficients         `yaml:"pool"`
	WaterLevel   WaterLevelCoefficients   `yaml:"water_level"`
	Disbursement DisbursementCoefficients `yaml:"disbursement"`
	Worker       WorkerCoefficients       `yaml:"worker"`
}

// HoldCoefficients governs the hold lifecycle and stagnation fees.
type HoldCoefficients struct {
	// Amount bounds for a new hold, in currency units.
	MinAmount float64 `yaml:"min_amount"`
	MaxAmount float64 `yaml:"max_amount"`

	// A hold must cover shipping both ways.
	ShippingCostMultiplier int `yaml:"shipping_cost_multiplier"`

	// Ceiling on hold duration, counted from creation. Extensions cannot
	// push expiry past this.
	DurationLimitDays int `yaml:"duration_limit_days"`

	// Expired-but-not-yet-swept window before the refund fires.
	GracePeriodDays int `yaml:"grace_period_days"`

	// Days-before-expiry checkpoints at which reminder events are emitted.
	ReminderCheckpoints []int `yaml:"reminder_checkpoints"`

	// Stagnation fee: dailyRate = min(BaseRate * ageDays, MaxRate).
	StagnationBaseRate float64 `yaml:"stagnation_base_rate"`
	StagnationMaxRate  float64 `yaml:"stagnation_max_rate"`
}

// PoolCoefficients governs investment pools, returns, and rebalancing.
type PoolCoefficients struct {
	IndividualMinContribution float64 `yaml:"individual_min_contribution"`
	IndividualMaxContribution float64 `yaml:"individual_max_contribution"`
	HerdMinContribution       float64 `yaml:"herd_min_contribution"`
	HerdMaxContribution       float64 `yaml:"herd_max_contribution"`
	MinHerdSize               int     `yaml:"min_herd_size"`

	// Returns.
	DefaultReturnRate float64 `yaml:"default_return_rate"` // individual pools
	BaseReturnRate    float64 `yaml:"base_return_rate"`    // herd pools
	BonusMultiplier   float64 `yaml:"bonus_multiplier"`

	// Herd ranking score weights. Must sum to 1.
	ContributionWeight float64 `yaml:"contribution_weight"`
	DurationWeight     float64 `yaml:"duration_weight"`
	PerformanceWeight  float64 `yaml:"performance_weight"`
	ActivityWeight     float64 `yaml:"activity_weight"`

	// Automatic rebalancing control loop.
	HerdThreshold        float64 `yaml:"herd_threshold"`
	IndividualThreshold  float64 `yaml:"individual_threshold"`
	SmoothingFactor      float64 `yaml:"smoothing_factor"`
	MaxRebalanceFraction float64 `yaml:"max_rebalance_fraction"`

	// Stop-loss monitoring: a pool whose value drifts more than this
	// fraction below invested principal is suspended.
	StopLossFraction float64 `yaml:"stop_loss_fraction"`

	// Suggested investment fraction of item value per risk tier.
	RiskTierFractions map[string]float64 `yaml:"risk_tier_fractions"`
}

// WaterLevelCoefficients governs the billing-signal aggregator.
type WaterLevelCoefficients struct {
	Min             float64 `yaml:"min"`
	Max             float64 `yaml:"max"`
	TargetThreshold float64 `yaml:"target_threshold"`

	// Sliding window of billing events folded into each recompute.
	WindowHours int `yaml:"window_hours"`

	// Impact weight per billing category.
	CategoryWeights map[string]float64 `yaml:"category_weights"`
}

// DisbursementCoefficients governs the batch payout processor.
type DisbursementCoefficients struct {
	ProcessingDelayHours int     `yaml:"processing_delay_hours"`
	BatchSize            int     `yaml:"batch_size"`
	MaxDailyAmount       float64 `yaml:"max_daily_amount"`
	MaxRetries           int     `yaml:"max_retries"`

	// Payouts per second handed to the external gateway boundary.
	PayoutRatePerSecond float64 `yaml:"payout_rate_per_second"`
	PayoutBurst         int     `yaml:"payout_burst"`
}

// WorkerCoefficients governs background cycle scheduling.
type WorkerCoefficients struct {
	// Base tick. Each task declares its own logical period; this is how
	// often the worker wakes up to check.
	CheckInterval time.Duration `yaml:"check_interval"`

	// Gear thresholds on the water-level ratio. Above a threshold the
	// worker shifts into that gear and ticks faster.
	GearThresholds map[string]float64 `yaml:"gear_thresholds"`

	// Tick interval multiplier per gear (1.0 = base interval).
	GearMultipliers map[string]float64 `yaml:"gear_multipliers"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Defaults returns the compiled-in coefficient table.
func Defaults() *Coefficients {
	return &Coefficients{
		Version: "builtin-1",
		Hold: HoldCoefficients{
			MinAmount:              100,
			MaxAmount:              50_000,
			ShippingCostMultiplier: 2,
			DurationLimitDays:      90,
			GracePeriodDays:        7,
			ReminderCheckpoints:    []int{30, 15, 7, 1},
			StagnationBaseRate:     0.001,
			StagnationMaxRate:      0.01,
		},
		Pool: PoolCoefficients{
			IndividualMinContribution: 100,
			IndividualMaxContribution: 50_000,
			HerdMinContribution:       50,
			HerdMaxContribution:       25_000,
			MinHerdSize:               10,
			DefaultReturnRate:         0.08,
			BaseReturnRate:            0.12,
			BonusMultiplier:           1.5,
			ContributionWeight:        0.4,
			DurationWeight:            0.3,
			PerformanceWeight:         0.2,
			ActivityWeight:            0.1,
			HerdThreshold:             0.7,
			IndividualThreshold:       0.3,
			SmoothingFactor:           0.1,
			MaxRebalanceFraction:      0.2,
			StopLossFraction:          0.15,
			RiskTierFractions: map[string]float64{
				"low":    0.3,
				"medium": 0.4,
				"high":   0.5,
			},
		},
		WaterLevel: WaterLevelCoefficients{
			Min:             100,
			Max:             1_000_000,
			TargetThreshold: 10_000,
			WindowHours:     24,
			CategoryWeights: map[string]float64{
				"server": 0.5,
				"it":     0.3,
				"hr":     0.2,
				"other":  0.1,
			},
		},
		Disbursement: DisbursementCoefficients{
			ProcessingDelayHours: 24,
			BatchSize:            100,
			MaxDailyAmount:       10_000,
			MaxRetries:           3,
			PayoutRatePerSecond:  25,
			PayoutBurst:          5,
		},
		Worker: WorkerCoefficients{
			CheckInterval: time.Hour,
			GearThresholds: map[string]float64{
				"low":      0.0,
				"medium":   0.3,
				"high":     0.6,
				"veryhigh": 0.85,
			},
			GearMultipliers: map[string]float64{
				"low":      1.0,
				"medium":   0.5,
				"high":     0.25,
				"veryhigh": 0.1,
			},
		},
	}
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads a YAML coefficient file and overlays it on the defaults.
// The file may specify only the coefficients it changes.
func Load(path string) (*Coefficients, error) {
	c := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read coefficient file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse coefficient file %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid coefficient file %s: %w", path, err)
	}
	return c, nil
}

// Validate rejects tables that would break engine invariants.
func (c *Coefficients) Validate() error {
	if c.Hold.MinAmount <= 0 || c.Hold.MaxAmount < c.Hold.MinAmount {
		return fmt.Errorf("hold amount bounds inverted: min=%v max=%v", c.Hold.MinAmount, c.Hold.MaxAmount)
	}
	if c.Hold.ShippingCostMultiplier < 1 {
		return fmt.Errorf("shipping cost multiplier must be >= 1")
	}
	if c.Hold.DurationLimitDays <= 0 {
		return fmt.Errorf("hold duration limit must be positive")
	}
	if c.Hold.StagnationBaseRate < 0 || c.Hold.StagnationMaxRate < c.Hold.StagnationBaseRate {
		return fmt.Errorf("stagnation rates inverted: base=%v max=%v", c.Hold.StagnationBaseRate, c.Hold.StagnationMaxRate)
	}
	if c.Pool.MinHerdSize < 1 {
		return fmt.Errorf("min herd size must be positive")
	}
	if c.Pool.IndividualMinContribution > c.Pool.IndividualMaxContribution ||
		c.Pool.HerdMinContribution > c.Pool.HerdMaxContribution {
		return fmt.Errorf("pool contribution bounds inverted")
	}
	weightSum := c.Pool.ContributionWeight + c.Pool.DurationWeight +
		c.Pool.PerformanceWeight + c.Pool.ActivityWeight
	if weightSum < 0.999 || weightSum > 1.001 {
		return fmt.Errorf("herd ranking weights must sum to 1, got %v", weightSum)
	}
	if c.Pool.IndividualThreshold >= c.Pool.HerdThreshold {
		return fmt.Errorf("rebalance thresholds inverted: individual=%v herd=%v",
			c.Pool.IndividualThreshold, c.Pool.HerdThreshold)
	}
	if c.Pool.SmoothingFactor <= 0 || c.Pool.SmoothingFactor > 1 {
		return fmt.Errorf("smoothing factor must be in (0,1], got %v", c.Pool.SmoothingFactor)
	}
	if c.Pool.MaxRebalanceFraction <= 0 || c.Pool.MaxRebalanceFraction > 1 {
		return fmt.Errorf("max rebalance fraction must be in (0,1], got %v", c.Pool.MaxRebalanceFraction)
	}
	if c.WaterLevel.Min <= 0 || c.WaterLevel.Max <= c.WaterLevel.Min {
		return fmt.Errorf("water level bounds inverted: min=%v max=%v", c.WaterLevel.Min, c.WaterLevel.Max)
	}
	if c.WaterLevel.TargetThreshold <= 0 {
		return fmt.Errorf("water level target threshold must be positive")
	}
	if c.WaterLevel.WindowHours <= 0 {
		return fmt.Errorf("water level window must be positive")
	}
	if c.Disbursement.BatchSize <= 0 {
		return fmt.Errorf("disbursement batch size must be positive")
	}
	if c.Disbursement.MaxDailyAmount <= 0 {
		return fmt.Errorf("disbursement daily cap must be positive")
	}
	if c.Disbursement.MaxRetries < 0 {
		return fmt.Errorf("disbursement max retries must be non-negative")
	}
	if c.Worker.CheckInterval <= 0 {
		return fmt.Errorf("worker check interval must be positive")
	}
	return nil
}
