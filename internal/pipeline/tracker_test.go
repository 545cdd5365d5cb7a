package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freshcart/internal/inventory"
)

func TestTrackerFirstSightingEmitsImmediately(t *testing.T) {
	tracker := NewCountTracker(time.Second)
	now := time.Now()

	deltas := tracker.Update(map[string]int{"apple": 3}, nil, now)
	require.Len(t, deltas, 1)
	assert.Equal(t, "apple", deltas[0].Category)
	assert.Equal(t, 3, deltas[0].Count)
	assert.True(t, deltas[0].CountChanged)
}

func TestTrackerDebouncesWithinInterval(t *testing.T) {
	tracker := NewCountTracker(time.Second)
	now := time.Now()

	deltas := tracker.Update(map[string]int{"apple": 3}, nil, now)
	require.Len(t, deltas, 1)

	// Count flaps inside the interval: nothing emitted, gate untouched.
	for _, elapsed := range []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 999 * time.Millisecond} {
		deltas = tracker.Update(map[string]int{"apple": 5}, nil, now.Add(elapsed))
		assert.Empty(t, deltas, "no second count delta within the interval (elapsed=%v)", elapsed)
	}

	// Gate opens at the interval boundary.
	deltas = tracker.Update(map[string]int{"apple": 5}, nil, now.Add(time.Second))
	require.Len(t, deltas, 1)
	assert.Equal(t, 5, deltas[0].Count)
	assert.True(t, deltas[0].CountChanged)
}

func TestTrackerUnchangedCountEmitsNothingWithoutFreshness(t *testing.T) {
	tracker := NewCountTracker(time.Second)
	now := time.Now()

	tracker.Update(map[string]int{"apple": 3}, nil, now)

	deltas := tracker.Update(map[string]int{"apple": 3}, nil, now.Add(2*time.Second))
	assert.Empty(t, deltas)

	// The gate stamp was not advanced by the no-op tick, so a real change
	// right after still goes through.
	deltas = tracker.Update(map[string]int{"apple": 4}, nil, now.Add(2*time.Second+time.Millisecond))
	require.Len(t, deltas, 1)
	assert.Equal(t, 4, deltas[0].Count)
}

func TestTrackerFreshnessOnlyDelta(t *testing.T) {
	tracker := NewCountTracker(time.Second)
	now := time.Now()

	tracker.Update(map[string]int{"apple": 3}, nil, now)

	deltas := tracker.Update(
		map[string]int{"apple": 3},
		map[string]inventory.Freshness{"apple": 0.5},
		now.Add(2*time.Second),
	)
	require.Len(t, deltas, 1)
	assert.False(t, deltas[0].CountChanged)
	assert.Equal(t, 3, deltas[0].Count)
	assert.True(t, deltas[0].HasFreshness)
	assert.Equal(t, inventory.Freshness(0.5), deltas[0].Freshness)
}

func TestTrackerZeroCrossingStaysDebounced(t *testing.T) {
	tracker := NewCountTracker(time.Second)
	now := time.Now()

	tracker.Update(map[string]int{"banana": 3}, nil, now)

	// Category vanished from the frame entirely.
	deltas := tracker.Update(map[string]int{}, nil, now.Add(2*time.Second))
	require.Len(t, deltas, 1)
	assert.Equal(t, "banana", deltas[0].Category)
	assert.Equal(t, 0, deltas[0].Count)
	assert.True(t, deltas[0].CountChanged)
	assert.Equal(t, 1, tracker.Tracked(), "zero-count state lives until the session resets")

	// Flicker at the presence boundary: a reappearance right after the zero
	// emit stays gated.
	deltas = tracker.Update(map[string]int{"banana": 2}, nil, now.Add(2*time.Second+time.Millisecond))
	assert.Empty(t, deltas, "no second count delta within the interval of the zero emit")

	// The gate reopens a full interval after the zero emit.
	deltas = tracker.Update(map[string]int{"banana": 2}, nil, now.Add(3*time.Second))
	require.Len(t, deltas, 1)
	assert.Equal(t, 2, deltas[0].Count)
	assert.True(t, deltas[0].CountChanged)
}

func TestTrackerCategoriesGateIndependently(t *testing.T) {
	tracker := NewCountTracker(time.Second)
	now := time.Now()

	tracker.Update(map[string]int{"apple": 3}, nil, now)

	// A brand-new category emits immediately even while apple is gated.
	deltas := tracker.Update(map[string]int{"apple": 9, "pear": 1}, nil, now.Add(500*time.Millisecond))
	require.Len(t, deltas, 1)
	assert.Equal(t, "pear", deltas[0].Category)
}

func TestTrackerReset(t *testing.T) {
	tracker := NewCountTracker(time.Second)
	now := time.Now()

	tracker.Update(map[string]int{"apple": 3}, nil, now)
	require.Equal(t, 1, tracker.Tracked())

	tracker.Reset()
	assert.Equal(t, 0, tracker.Tracked())

	deltas := tracker.Update(map[string]int{"apple": 3}, nil, now.Add(time.Millisecond))
	require.Len(t, deltas, 1, "reset tracker treats known categories as fresh sightings")
}
