package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/escrow-engine/config"
)

func TestDefaults_PassValidation(t *testing.T) {
	require.NoError(t, config.Defaults().Validate())
}

func TestValidate_RejectsBrokenTables(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *config.Coefficients)
	}{
		{"hold bounds inverted", func(c *config.Coefficients) { c.Hold.MaxAmount = c.Hold.MinAmount - 1 }},
		{"hold min non-positive", func(c *config.Coefficients) { c.Hold.MinAmount = 0 }},
		{"shipping multiplier zero", func(c *config.Coefficients) { c.Hold.ShippingCostMultiplier = 0 }},
		{"duration limit zero", func(c *config.Coefficients) { c.Hold.DurationLimitDays = 0 }},
		{"stagnation rates inverted", func(c *config.Coefficients) { c.Hold.StagnationMaxRate = 0.0001 }},
		{"herd size zero", func(c *config.Coefficients) { c.Pool.MinHerdSize = 0 }},
		{"pool bounds inverted", func(c *config.Coefficients) { c.Pool.HerdMinContribution = 99_999 }},
		{"ranking weights off unit", func(c *config.Coefficients) { c.Pool.ActivityWeight = 0.5 }},
		{"rebalance thresholds inverted", func(c *config.Coefficients) { c.Pool.IndividualThreshold = 0.9 }},
		{"smoothing factor zero", func(c *config.Coefficients) { c.Pool.SmoothingFactor = 0 }},
		{"rebalance fraction above one", func(c *config.Coefficients) { c.Pool.MaxRebalanceFraction = 1.5 }},
		{"water bounds inverted", func(c *config.Coefficients) { c.WaterLevel.Max = 50 }},
		{"water target zero", func(c *config.Coefficients) { c.WaterLevel.TargetThreshold = 0 }},
		{"water window zero", func(c *config.Coefficients) { c.WaterLevel.WindowHours = 0 }},
		{"batch size zero", func(c *config.Coefficients) { c.Disbursement.BatchSize = 0 }},
		{"daily cap zero", func(c *config.Coefficients) { c.Disbursement.MaxDailyAmount = 0 }},
		{"negative retries", func(c *config.Coefficients) { c.Disbursement.MaxRetries = -1 }},
		{"worker interval zero", func(c *config.Coefficients) { c.Worker.CheckInterval = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := config.Defaults()
			tc.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoad_OverlaysOnDefaults(t *testing.T) {
	// GIVEN: An operator file specifying only the coefficients it changes
	// WHEN: It is loaded
	// THEN: Named values override; everything else keeps the default

	path := filepath.Join(t.TempDir(), "coefficients.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: "2026-03"
hold:
  max_amount: 25000
disbursement:
  max_daily_amount: 5000
`), 0o644))

	c, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "2026-03", c.Version)
	assert.Equal(t, float64(25_000), c.Hold.MaxAmount)
	assert.Equal(t, float64(5_000), c.Disbursement.MaxDailyAmount)

	// Untouched sections keep their defaults.
	assert.Equal(t, float64(100), c.Hold.MinAmount)
	assert.Equal(t, 90, c.Hold.DurationLimitDays)
	assert.Equal(t, 10, c.Pool.MinHerdSize)
	assert.Equal(t, 0.5, c.WaterLevel.CategoryWeights["server"])
}

func TestLoad_RejectsInvalidOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coefficients.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hold:\n  min_amount: -5\n"), 0o644))

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
