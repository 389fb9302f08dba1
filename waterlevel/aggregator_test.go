package waterlevel_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/escrow-engine/store/memory"
	"github.com/meridian/escrow-engine/waterlevel"
)

func testConfig() waterlevel.Config {
	return waterlevel.Config{
		Weights: waterlevel.Weights{Server: 0.5, IT: 0.3, HR: 0.2, Other: 0.1},
		Floor:   100,
		Ceiling: 1_000_000,
		Target:  10_000,
		Window:  24 * time.Hour,
	}
}

func newAggregator(t *testing.T) (*waterlevel.Aggregator, *memory.Store, *time.Time) {
	t.Helper()
	store := memory.New()
	clock := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	agg := waterlevel.New(store, testConfig(), log).
		WithClock(func() time.Time { return clock })
	return agg, store, &clock
}

func record(t *testing.T, agg *waterlevel.Aggregator, cat waterlevel.Category, amount float64, at time.Time) {
	t.Helper()
	require.NoError(t, agg.Record(context.Background(), waterlevel.Event{
		Category: cat, Amount: amount, ObservedAt: at,
	}))
}

// =============================================================================
// WEIGHTED FOLD
// =============================================================================

func TestAggregator_WeightedFold(t *testing.T) {
	// GIVEN: Billing events across three categories
	// WHEN: The window is recomputed
	// THEN: level = 0.5*12000 + 0.3*4000 + 0.2*1500 = 7500, ratio = 0.75

	agg, _, clock := newAggregator(t)
	ctx := context.Background()

	record(t, agg, waterlevel.CategoryServer, 12_000, *clock)
	record(t, agg, waterlevel.CategoryIT, 4_000, *clock)
	record(t, agg, waterlevel.CategoryHR, 1_500, *clock)

	snap, err := agg.Recompute(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 7_500, snap.Level, 1e-9)
	assert.InDelta(t, 0.75, snap.Ratio, 1e-9)
	assert.Equal(t, 3, snap.EventCount)
	assert.Equal(t, *clock, snap.ComputedAt)
	assert.InDelta(t, 0.75, agg.Ratio(), 1e-9)
}

func TestAggregator_EmptyWindow_FloorsLevel(t *testing.T) {
	// GIVEN: No billing activity at all
	// WHEN: The window is recomputed
	// THEN: The level rests on the floor

	agg, _, _ := newAggregator(t)

	snap, err := agg.Recompute(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 100, snap.Level, 1e-9)
	assert.InDelta(t, 0.01, snap.Ratio, 1e-9)
	assert.Equal(t, 0, snap.EventCount)
}

func TestAggregator_StartsAtFloorBeforeFirstCycle(t *testing.T) {
	// GIVEN: A freshly built aggregator, no cycle yet
	// THEN: Readers see the floor, never a zero ratio spike

	agg, _, _ := newAggregator(t)
	assert.InDelta(t, 0.01, agg.Ratio(), 1e-9)
	assert.InDelta(t, 100, agg.Snapshot().Level, 1e-9)
}

func TestAggregator_CeilingCapsLevel(t *testing.T) {
	// GIVEN: An absurd spike of billing volume
	// WHEN: The window is recomputed
	// THEN: level pins at the ceiling and ratio pins at 1

	agg, _, clock := newAggregator(t)
	record(t, agg, waterlevel.CategoryServer, 10_000_000, *clock)

	snap, err := agg.Recompute(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1_000_000, snap.Level, 1e-9)
	assert.InDelta(t, 1, snap.Ratio, 1e-9)
}

func TestAggregator_RatioSaturatesAtOne(t *testing.T) {
	// GIVEN: A level above the target but below the ceiling
	// WHEN: The window is recomputed
	// THEN: The ratio clamps to 1

	agg, _, clock := newAggregator(t)
	record(t, agg, waterlevel.CategoryServer, 50_000, *clock)

	snap, err := agg.Recompute(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 25_000, snap.Level, 1e-9)
	assert.InDelta(t, 1, snap.Ratio, 1e-9)
}

// =============================================================================
// EVENT NORMALIZATION
// =============================================================================

func TestAggregator_UnknownCategory_FoldsAtOtherWeight(t *testing.T) {
	// GIVEN: An event tagged with a category nobody configured
	// WHEN: It is recorded and folded
	// THEN: It contributes at the "other" weight instead of being dropped

	agg, _, clock := newAggregator(t)
	record(t, agg, "catering", 5_000, *clock)

	snap, err := agg.Recompute(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 500, snap.Level, 1e-9)
}

func TestAggregator_NegativeAmount_RecordedAsZero(t *testing.T) {
	// GIVEN: A malformed negative billing amount
	// WHEN: It is recorded
	// THEN: It lands as zero, leaving the level on the floor

	agg, _, clock := newAggregator(t)
	record(t, agg, waterlevel.CategoryServer, -4_000, *clock)

	snap, err := agg.Recompute(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 100, snap.Level, 1e-9)
	assert.Equal(t, 1, snap.EventCount)
}

func TestAggregator_ZeroObservedAt_StampedWithClock(t *testing.T) {
	// GIVEN: An event with no timestamp
	// WHEN: It is recorded
	// THEN: It is stamped with the current time and stays in the window

	agg, store, clock := newAggregator(t)
	require.NoError(t, agg.Record(context.Background(), waterlevel.Event{
		Category: waterlevel.CategoryIT, Amount: 1_000,
	}))

	events, err := store.EventsSince(context.Background(), clock.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, *clock, events[0].ObservedAt)
}

// =============================================================================
// WINDOW AND PUBLICATION
// =============================================================================

func TestAggregator_OldEventsAgeOutOfWindow(t *testing.T) {
	// GIVEN: One event from two days ago and one from an hour ago
	// WHEN: The 24h window is recomputed
	// THEN: Only the recent event contributes

	agg, _, clock := newAggregator(t)
	record(t, agg, waterlevel.CategoryServer, 8_000, clock.Add(-48*time.Hour))
	record(t, agg, waterlevel.CategoryServer, 2_000, clock.Add(-time.Hour))

	snap, err := agg.Recompute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, snap.EventCount)
	assert.InDelta(t, 1_000, snap.Level, 1e-9)
}

// failingStore refuses reads so publication failure can be observed.
type failingStore struct{ waterlevel.Store }

func (failingStore) EventsSince(context.Context, time.Time) ([]waterlevel.Event, error) {
	return nil, errors.New("events table unavailable")
}

func TestAggregator_StoreFailure_KeepsLastSnapshot(t *testing.T) {
	// GIVEN: A healthy cycle, then a store that starts failing
	// WHEN: The next recompute errors out
	// THEN: Readers keep seeing the last complete snapshot

	store := memory.New()
	clock := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	agg := waterlevel.New(failingStore{Store: store}, testConfig(), log).
		WithClock(func() time.Time { return clock })

	_, err := agg.Recompute(context.Background())
	require.Error(t, err)
	assert.InDelta(t, 0.01, agg.Ratio(), 1e-9, "floor snapshot survives the failed cycle")
}
