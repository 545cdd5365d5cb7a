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

type streamSource struct {
	ch       chan *Frame
	startErr error

	mu      sync.Mutex
	stopped bool
}

func newStreamSource() *streamSource {
	return &streamSource{ch: make(chan *Frame, 16)}
}

func (s *streamSource) Start() error          { return s.startErr }
func (s *streamSource) Frames() <-chan *Frame { return s.ch }

func (s *streamSource) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *streamSource) wasStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type recordingApplier struct {
	batches chan []inventory.CategoryDelta
	err     error
}

func newRecordingApplier() *recordingApplier {
	return &recordingApplier{batches: make(chan []inventory.CategoryDelta, 16)}
}

func (a *recordingApplier) Apply(ctx context.Context, deltas []inventory.CategoryDelta) ([]inventory.CommittedChange, error) {
	a.batches <- deltas
	if a.err != nil {
		return nil, a.err
	}

	changes := make([]inventory.CommittedChange, 0, len(deltas))
	for _, delta := range deltas {
		changes = append(changes, inventory.CommittedChange{
			Kind:        inventory.ChangeQuantity,
			Item:        inventory.Item{Category: delta.Category},
			NewQuantity: delta.Count,
		})
	}
	return changes, nil
}

type recordingHub struct {
	frames chan int // detection count per broadcast
}

func newRecordingHub() *recordingHub {
	return &recordingHub{frames: make(chan int, 64)}
}

func (h *recordingHub) BroadcastFrame(frame *Frame, detections []Detection, fps float64) {
	h.frames <- len(detections)
}

type recordingImages struct {
	adds         chan string
	materialized chan string
	cleared      chan string
}

func newRecordingImages() *recordingImages {
	return &recordingImages{
		adds:         make(chan string, 16),
		materialized: make(chan string, 16),
		cleared:      make(chan string, 16),
	}
}

func (r *recordingImages) Add(category string, crop []byte, confidence float64, freshness inventory.Freshness) {
	r.adds <- category
}

func (r *recordingImages) Materialize(category string) error {
	r.materialized <- category
	return nil
}

func (r *recordingImages) CategoryCleared(category string) {
	r.cleared <- category
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func newTestStream(source FrameSource, detector Detector, applier Applier, hub Broadcaster, images ImageSink, bus *EventBus, onError func(error)) *Stream {
	scorer := &fakeScorer{score: 0.5}
	sched := NewScheduler(detector, scorer, passthroughCrop, SchedulerConfig{Interval: time.Millisecond})
	tracker := NewCountTracker(time.Millisecond)
	return NewStream(StreamDeps{
		Source:    source,
		Scheduler: sched,
		Tracker:   tracker,
		Applier:   applier,
		Bus:       bus,
		Hub:       hub,
		Images:    images,
		OnError:   onError,
	}, StreamConfig{StopGrace: time.Second})
}

func TestStreamEndToEnd(t *testing.T) {
	source := newStreamSource()
	detector := &fakeDetector{next: []Detection{{Category: "apple", Confidence: 0.9}}}
	applier := newRecordingApplier()
	hub := newRecordingHub()
	images := newRecordingImages()
	bus := NewEventBus()

	changeCh, unsubscribe := bus.SubscribeChannel(16)
	defer unsubscribe()

	stream := newTestStream(source, detector, applier, hub, images, bus, nil)
	require.NoError(t, stream.Start())
	defer stream.Stop()

	t0 := time.Now()
	source.ch <- &Frame{Data: []byte("jpeg"), Seq: 1, Timestamp: t0}

	assert.Equal(t, 1, recv(t, hub.frames, "frame broadcast"))
	assert.Equal(t, "apple", recv(t, images.adds, "image add"))
	assert.Equal(t, "apple", recv(t, images.materialized, "image materialization"))

	batch := recv(t, applier.batches, "apply batch")
	require.Len(t, batch, 1)
	assert.Equal(t, "apple", batch[0].Category)
	assert.Equal(t, 1, batch[0].Count)
	assert.True(t, batch[0].HasFreshness)

	change := recv(t, changeCh, "committed change")
	assert.Equal(t, inventory.ChangeQuantity, change.Kind)
	assert.Equal(t, 1, change.NewQuantity)

	// The category disappears: the stream reports the clearance downstream.
	detector.mu.Lock()
	detector.next = nil
	detector.mu.Unlock()

	source.ch <- &Frame{Data: []byte("jpeg"), Seq: 2, Timestamp: t0.Add(50 * time.Millisecond)}

	batch = recv(t, applier.batches, "disappearance batch")
	require.Len(t, batch, 1)
	assert.Equal(t, 0, batch[0].Count)
	assert.Equal(t, "apple", recv(t, images.cleared, "category cleared"))

	stream.Stop()
	assert.True(t, source.wasStopped())
	assert.False(t, stream.Running())
}

func TestStreamBroadcastsCachedDetectionsBetweenTicks(t *testing.T) {
	source := newStreamSource()
	detector := &fakeDetector{next: []Detection{{Category: "apple", Confidence: 0.9}}}
	applier := newRecordingApplier()
	hub := newRecordingHub()

	scorer := &fakeScorer{score: 0.5}
	sched := NewScheduler(detector, scorer, passthroughCrop, SchedulerConfig{Interval: time.Hour})
	tracker := NewCountTracker(time.Millisecond)
	stream := NewStream(StreamDeps{
		Source:    source,
		Scheduler: sched,
		Tracker:   tracker,
		Applier:   applier,
		Hub:       hub,
	}, StreamConfig{StopGrace: time.Second})

	require.NoError(t, stream.Start())
	defer stream.Stop()

	t0 := time.Now()
	source.ch <- &Frame{Data: []byte("jpeg"), Seq: 1, Timestamp: t0}
	source.ch <- &Frame{Data: []byte("jpeg"), Seq: 2, Timestamp: t0.Add(30 * time.Millisecond)}

	// Both frames broadcast with the overlay, but only the first frame
	// triggered detection and reconciliation.
	assert.Equal(t, 1, recv(t, hub.frames, "first broadcast"))
	assert.Equal(t, 1, recv(t, hub.frames, "second broadcast"))
	recv(t, applier.batches, "single apply batch")

	select {
	case batch := <-applier.batches:
		t.Fatalf("unexpected second apply batch: %v", batch)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 1, detector.callCount())
}

func TestStreamSurvivesReconcileFailure(t *testing.T) {
	source := newStreamSource()
	detector := &fakeDetector{next: []Detection{{Category: "apple", Confidence: 0.9}}}
	applier := newRecordingApplier()
	applier.err = errors.New("database locked")
	hub := newRecordingHub()

	errCh := make(chan error, 4)
	stream := newTestStream(source, detector, applier, hub, nil, nil, func(err error) { errCh <- err })
	require.NoError(t, stream.Start())
	defer stream.Stop()

	t0 := time.Now()
	source.ch <- &Frame{Data: []byte("jpeg"), Seq: 1, Timestamp: t0}

	recv(t, applier.batches, "failed batch")
	err := recv(t, errCh, "reconcile error report")
	assert.ErrorContains(t, err, "database locked")

	// The loop is still alive and broadcasting.
	source.ch <- &Frame{Data: []byte("jpeg"), Seq: 2, Timestamp: t0.Add(50 * time.Millisecond)}
	recv(t, hub.frames, "broadcast after failure")
}

func TestStreamStartFailure(t *testing.T) {
	source := newStreamSource()
	source.startErr = errors.New("device busy")

	stream := newTestStream(source, &fakeDetector{}, newRecordingApplier(), newRecordingHub(), nil, nil, nil)
	err := stream.Start()
	require.Error(t, err)
	assert.False(t, stream.Running())
}
