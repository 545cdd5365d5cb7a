package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freshcart/internal/inventory"
)

type fakeDetector struct {
	mu    sync.Mutex
	next  []Detection
	err   error
	calls int
}

func (d *fakeDetector) Name() string { return "fake" }

func (d *fakeDetector) Detect(ctx context.Context, frameJPEG []byte) ([]Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.next, nil
}

func (d *fakeDetector) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeScorer struct {
	score inventory.Freshness
	err   error
}

func (s *fakeScorer) Name() string { return "fake" }

func (s *fakeScorer) Score(ctx context.Context, cropJPEG []byte, category string) (inventory.Freshness, error) {
	return s.score, s.err
}

func passthroughCrop(frameJPEG []byte, box BBox) ([]byte, error) {
	return frameJPEG, nil
}

func frameAt(ts time.Time) *Frame {
	return &Frame{Data: []byte("jpeg"), Timestamp: ts}
}

func TestSchedulerServesCacheWithinInterval(t *testing.T) {
	detector := &fakeDetector{next: []Detection{{Category: "apple", Confidence: 0.9}}}
	sched := NewScheduler(detector, nil, nil, SchedulerConfig{Interval: 200 * time.Millisecond})

	t0 := time.Now()
	detections, cached := sched.Poll(context.Background(), frameAt(t0))
	require.False(t, cached)
	require.Len(t, detections, 1)
	assert.Equal(t, 1, detector.callCount())

	detections, cached = sched.Poll(context.Background(), frameAt(t0.Add(100*time.Millisecond)))
	assert.True(t, cached)
	assert.Len(t, detections, 1)
	assert.Equal(t, 1, detector.callCount(), "detector must not run inside the cadence window")

	_, cached = sched.Poll(context.Background(), frameAt(t0.Add(250*time.Millisecond)))
	assert.False(t, cached)
	assert.Equal(t, 2, detector.callCount())
}

func TestSchedulerFiltersLowConfidence(t *testing.T) {
	detector := &fakeDetector{next: []Detection{
		{Category: "apple", Confidence: 0.3},
		{Category: "apple", Confidence: 0.9},
		{Category: "pear", Confidence: 0.49},
	}}
	sched := NewScheduler(detector, nil, nil, SchedulerConfig{Interval: time.Millisecond, MinConfidence: 0.5})

	detections, _ := sched.Poll(context.Background(), frameAt(time.Now()))
	require.Len(t, detections, 1)
	assert.Equal(t, 0.9, detections[0].Confidence)
}

func TestSchedulerKeepsCacheOnDetectorError(t *testing.T) {
	detector := &fakeDetector{next: []Detection{{Category: "apple", Confidence: 0.9}}}
	sched := NewScheduler(detector, nil, nil, SchedulerConfig{Interval: 200 * time.Millisecond})

	t0 := time.Now()
	_, cached := sched.Poll(context.Background(), frameAt(t0))
	require.False(t, cached)

	detector.mu.Lock()
	detector.err = errors.New("model unavailable")
	detector.mu.Unlock()

	detections, cached := sched.Poll(context.Background(), frameAt(t0.Add(300*time.Millisecond)))
	assert.True(t, cached, "a failed tick serves the previous cache")
	require.Len(t, detections, 1)
	assert.Equal(t, "apple", detections[0].Category)

	// The failed tick did not advance the cadence stamp; the very next frame
	// retries even though it is inside the interval measured from the error.
	detector.mu.Lock()
	detector.err = nil
	detector.mu.Unlock()

	_, cached = sched.Poll(context.Background(), frameAt(t0.Add(310*time.Millisecond)))
	assert.False(t, cached)
}

func TestSchedulerScoresSurvivingBoxes(t *testing.T) {
	detector := &fakeDetector{next: []Detection{{Category: "apple", Confidence: 0.9}}}
	scorer := &fakeScorer{score: 0.5}
	sched := NewScheduler(detector, scorer, passthroughCrop, SchedulerConfig{Interval: time.Millisecond})

	detections, _ := sched.Poll(context.Background(), frameAt(time.Now()))
	require.Len(t, detections, 1)
	assert.True(t, detections[0].HasFreshness)
	assert.Equal(t, inventory.Freshness(0.5), detections[0].Freshness)
	assert.NotEmpty(t, detections[0].Crop)
}

func TestSchedulerScorerFailureLeavesDetectionUsable(t *testing.T) {
	detector := &fakeDetector{next: []Detection{{Category: "apple", Confidence: 0.9}}}
	scorer := &fakeScorer{err: errors.New("scorer down")}
	sched := NewScheduler(detector, scorer, passthroughCrop, SchedulerConfig{Interval: time.Millisecond})

	detections, _ := sched.Poll(context.Background(), frameAt(time.Now()))
	require.Len(t, detections, 1)
	assert.False(t, detections[0].HasFreshness)
	assert.Equal(t, "apple", detections[0].Category)
}

func TestSchedulerReset(t *testing.T) {
	detector := &fakeDetector{next: []Detection{{Category: "apple", Confidence: 0.9}}}
	sched := NewScheduler(detector, nil, nil, SchedulerConfig{Interval: time.Hour})

	t0 := time.Now()
	sched.Poll(context.Background(), frameAt(t0))
	require.Equal(t, 1, detector.callCount())

	sched.Reset()
	assert.Empty(t, sched.Cached())

	_, cached := sched.Poll(context.Background(), frameAt(t0.Add(time.Millisecond)))
	assert.False(t, cached)
	assert.Equal(t, 2, detector.callCount())
}
