package pipeline

import (
	"sync"
	"time"

	"freshcart/internal/inventory"
)

// CountTracker debounces per-category count observations. Raw detection
// counts flap frame to frame; the tracker only emits a delta for a category
// when its update gate is open, and stamps the gate only when it emits.
// Disappearance is handled by walking the union of observed and previously
// tracked categories, so a category that vanishes from the frame still
// produces a count-to-zero delta once its gate opens. Zero-count states stay
// tracked with their gate stamp: flicker at the presence boundary is debounced
// like any other change. State lives for the session and is dropped by Reset.
type CountTracker struct {
	interval time.Duration

	mu     sync.Mutex
	states map[string]*trackedCategory
}

type trackedCategory struct {
	count      int
	lastUpdate time.Time
}

// NewCountTracker creates a tracker with the given debounce interval.
func NewCountTracker(interval time.Duration) *CountTracker {
	if interval <= 0 {
		interval = time.Second
	}
	return &CountTracker{
		interval: interval,
		states:   make(map[string]*trackedCategory),
	}
}

// Update folds one tick's observations into the tracker and returns the
// deltas whose gates opened. counts holds the observed count per category;
// freshness holds the tick's average freshness per category where scoring
// succeeded.
//
// Gate rules per category:
//   - first sighting: emit unconditionally and stamp;
//   - within the interval since the last emit: skip entirely, no stamp;
//   - gate open and count changed: emit a count delta and stamp;
//   - gate open, count unchanged, freshness available: emit a freshness-only
//     delta and stamp;
//   - otherwise nothing is emitted and the gate stamp is untouched.
func (t *CountTracker) Update(counts map[string]int, freshness map[string]inventory.Freshness, now time.Time) []inventory.CategoryDelta {
	t.mu.Lock()
	defer t.mu.Unlock()

	categories := make(map[string]struct{}, len(counts)+len(t.states))
	for category := range counts {
		categories[category] = struct{}{}
	}
	for category := range t.states {
		categories[category] = struct{}{}
	}

	var deltas []inventory.CategoryDelta
	for category := range categories {
		count := counts[category]
		score, hasScore := freshness[category]

		state, tracked := t.states[category]
		if !tracked {
			t.states[category] = &trackedCategory{count: count, lastUpdate: now}
			deltas = append(deltas, inventory.CategoryDelta{
				Category:     category,
				Count:        count,
				CountChanged: true,
				Freshness:    score,
				HasFreshness: hasScore,
			})
			continue
		}

		if now.Sub(state.lastUpdate) < t.interval {
			continue
		}

		switch {
		case count != state.count:
			state.count = count
			state.lastUpdate = now
			deltas = append(deltas, inventory.CategoryDelta{
				Category:     category,
				Count:        count,
				CountChanged: true,
				Freshness:    score,
				HasFreshness: hasScore,
			})
		case hasScore:
			state.lastUpdate = now
			deltas = append(deltas, inventory.CategoryDelta{
				Category:     category,
				Count:        count,
				Freshness:    score,
				HasFreshness: true,
			})
		}
	}

	return deltas
}

// Tracked returns the number of categories currently tracked.
func (t *CountTracker) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}

// Reset drops all tracked state. Called when a streaming session ends.
func (t *CountTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states = make(map[string]*trackedCategory)
}
