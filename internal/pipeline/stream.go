package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"freshcart/internal/inventory"
	"freshcart/internal/worker"
)

// fpsWindowSize is the number of frame intervals in the FPS rolling window.
const fpsWindowSize = 30

// StreamDeps wires a stream session's collaborators.
type StreamDeps struct {
	Source    FrameSource
	Scheduler *Scheduler
	Tracker   *CountTracker
	Applier   Applier
	Bus       *EventBus
	Hub       Broadcaster
	Images    ImageSink
	Pool      *worker.Pool

	// OnError receives reconciliation failures so they can be surfaced to
	// admin observers. Optional.
	OnError func(err error)
}

// StreamConfig holds stream session settings.
type StreamConfig struct {
	// ApplyQueueSize bounds the queue of delta batches awaiting
	// reconciliation. A full queue drops the batch; the tracker re-emits on
	// a later tick.
	ApplyQueueSize int
	// StopGrace is how long Stop waits for the processing loop and the
	// apply loop to finish their in-flight work.
	StopGrace time.Duration
}

// Stream runs one streaming session: read frame, poll detection, debounce
// counts, reconcile, broadcast. Every frame is broadcast with the current
// detection overlay; reconciliation runs off the hot path on a single apply
// goroutine so batches commit in emission order.
type Stream struct {
	deps   StreamDeps
	config StreamConfig

	applyCh   chan []inventory.CategoryDelta
	stopCh    chan struct{}
	doneCh    chan struct{}
	applyDone chan struct{}

	mu      sync.Mutex
	running bool

	// FPS state, touched only by the run goroutine.
	lastFrame time.Time
	intervals []time.Duration
}

// NewStream creates a stream session.
func NewStream(deps StreamDeps, config StreamConfig) *Stream {
	if config.ApplyQueueSize <= 0 {
		config.ApplyQueueSize = 16
	}
	if config.StopGrace <= 0 {
		config.StopGrace = 2 * time.Second
	}
	return &Stream{
		deps:   deps,
		config: config,
	}
}

// Start opens the frame source and launches the processing loops. A source
// that fails to open fails the session only.
func (s *Stream) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("stream already running")
	}
	s.running = true
	s.applyCh = make(chan []inventory.CategoryDelta, s.config.ApplyQueueSize)
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.applyDone = make(chan struct{})
	s.lastFrame = time.Time{}
	s.intervals = nil
	s.mu.Unlock()

	if err := s.deps.Source.Start(); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("failed to start frame source: %w", err)
	}

	go s.applyLoop()
	go s.run()

	log.Printf("[Stream] Session started")
	return nil
}

// Stop flags the loops, waits up to the grace period for the in-flight
// iteration, then releases the source and drops per-session state.
func (s *Stream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)

	select {
	case <-s.doneCh:
	case <-time.After(s.config.StopGrace):
		log.Printf("[Stream] Processing loop did not stop within grace period")
	}

	s.deps.Source.Stop()

	select {
	case <-s.applyDone:
	case <-time.After(s.config.StopGrace):
		log.Printf("[Stream] Apply loop did not drain within grace period")
	}

	s.deps.Tracker.Reset()
	s.deps.Scheduler.Reset()
	if r, ok := s.deps.Applier.(interface{ Reset() }); ok {
		r.Reset()
	}

	log.Printf("[Stream] Session stopped")
}

// Running reports whether a session is active.
func (s *Stream) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// run is the per-session processing loop.
func (s *Stream) run() {
	defer close(s.doneCh)
	defer close(s.applyCh)

	for {
		select {
		case <-s.stopCh:
			return
		case frame, ok := <-s.deps.Source.Frames():
			if !ok {
				return
			}
			if frame == nil {
				continue
			}
			s.processFrame(frame)
		}
	}
}

func (s *Stream) processFrame(frame *Frame) {
	fps := s.observeFPS(frame.Timestamp)

	detections, cached := s.deps.Scheduler.Poll(context.Background(), frame)
	if !cached {
		s.stashImages(detections)

		counts, freshness := summarize(detections)
		deltas := s.deps.Tracker.Update(counts, freshness, frame.Timestamp)
		if len(deltas) > 0 {
			select {
			case s.applyCh <- deltas:
			default:
				log.Printf("[Stream] Apply queue full, dropping %d deltas", len(deltas))
			}
		}
	}

	if s.deps.Hub != nil {
		s.deps.Hub.BroadcastFrame(frame, detections, fps)
	}
}

// applyLoop reconciles delta batches in emission order and publishes the
// committed changes. A failed batch is logged and reported; the stream keeps
// going.
func (s *Stream) applyLoop() {
	defer close(s.applyDone)

	for deltas := range s.applyCh {
		changes, err := s.deps.Applier.Apply(context.Background(), deltas)
		if err != nil {
			log.Printf("[Stream] Reconciliation failed: %v", err)
			if s.deps.OnError != nil {
				s.deps.OnError(err)
			}
			continue
		}

		for i := range changes {
			change := changes[i]
			if s.deps.Bus != nil {
				s.deps.Bus.Publish(&change)
			}
			if change.Kind == inventory.ChangeQuantity && change.NewQuantity == 0 && s.deps.Images != nil {
				category := change.Item.Category
				s.submit(func() { s.deps.Images.CategoryCleared(category) })
			}
		}
	}
}

// stashImages buffers crops from a fresh detection tick and schedules their
// materialization to disk.
func (s *Stream) stashImages(detections []Detection) {
	if s.deps.Images == nil {
		return
	}

	seen := make(map[string]struct{})
	for _, det := range detections {
		if len(det.Crop) == 0 {
			continue
		}
		s.deps.Images.Add(det.Category, det.Crop, det.Confidence, det.Freshness)
		seen[det.Category] = struct{}{}
	}

	for category := range seen {
		category := category
		s.submit(func() {
			if err := s.deps.Images.Materialize(category); err != nil {
				log.Printf("[Stream] Failed to persist %s images: %v", category, err)
			}
		})
	}
}

func (s *Stream) submit(task func()) {
	if s.deps.Pool == nil || !s.deps.Pool.Submit(task) {
		task()
	}
}

// observeFPS folds a frame timestamp into the rolling window and returns the
// current rate. Only the run goroutine touches this state.
func (s *Stream) observeFPS(ts time.Time) float64 {
	if !s.lastFrame.IsZero() {
		if d := ts.Sub(s.lastFrame); d > 0 {
			s.intervals = append(s.intervals, d)
			if len(s.intervals) > fpsWindowSize {
				s.intervals = s.intervals[1:]
			}
		}
	}
	s.lastFrame = ts

	if len(s.intervals) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range s.intervals {
		total += d
	}
	if total <= 0 {
		return 0
	}
	return float64(len(s.intervals)) / total.Seconds()
}

// summarize reduces a tick's detections to per-category counts and average
// freshness where scoring succeeded.
func summarize(detections []Detection) (map[string]int, map[string]inventory.Freshness) {
	counts := make(map[string]int)
	sums := make(map[string]float64)
	scored := make(map[string]int)

	for _, det := range detections {
		counts[det.Category]++
		if det.HasFreshness {
			sums[det.Category] += float64(det.Freshness)
			scored[det.Category]++
		}
	}

	freshness := make(map[string]inventory.Freshness, len(sums))
	for category, sum := range sums {
		freshness[category] = inventory.Freshness(sum / float64(scored[category]))
	}
	return counts, freshness
}

var _ Applier = (*inventory.Reconciler)(nil)
