package pipeline

import (
	"context"
	"log"
	"sync"
	"time"
)

// Scheduler throttles detection to a fixed cadence. Between ticks it serves
// the cached detection list so every frame can be broadcast with overlays
// without paying model latency. Cadence is measured against frame timestamps,
// which makes the gate deterministic for a given frame sequence.
type Scheduler struct {
	detector      Detector
	scorer        Scorer
	crop          CropFunc
	interval      time.Duration
	minConfidence float64

	mu            sync.Mutex
	lastDetection time.Time
	cached        []Detection
}

// SchedulerConfig holds scheduler settings.
type SchedulerConfig struct {
	// Interval is the minimum time between detector invocations.
	Interval time.Duration
	// MinConfidence drops boxes below this confidence before scoring.
	MinConfidence float64
}

// NewScheduler creates a detection scheduler. Scorer and crop are optional;
// without them detections carry no freshness.
func NewScheduler(detector Detector, scorer Scorer, crop CropFunc, config SchedulerConfig) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = 200 * time.Millisecond
	}
	if config.MinConfidence <= 0 {
		config.MinConfidence = 0.5
	}
	return &Scheduler{
		detector:      detector,
		scorer:        scorer,
		crop:          crop,
		interval:      config.Interval,
		minConfidence: config.MinConfidence,
	}
}

// Poll returns the detections for a frame. Inside the cadence window it
// returns the cached list (cached=true) without touching the detector. On a
// due tick it runs the detector, filters by confidence, scores each surviving
// box, caches the result, and stamps the tick. A detector error abandons the
// tick: the previous cache is returned and the stamp is not advanced, so the
// next frame retries immediately.
func (s *Scheduler) Poll(ctx context.Context, frame *Frame) ([]Detection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastDetection.IsZero() && frame.Timestamp.Sub(s.lastDetection) < s.interval {
		return s.cached, true
	}

	raw, err := s.detector.Detect(ctx, frame.Data)
	if err != nil {
		log.Printf("[Scheduler] Detection error, keeping cached result: %v", err)
		return s.cached, true
	}

	detections := make([]Detection, 0, len(raw))
	for _, det := range raw {
		if det.Confidence < s.minConfidence {
			continue
		}
		s.enrich(ctx, frame, &det)
		detections = append(detections, det)
	}

	s.cached = detections
	s.lastDetection = frame.Timestamp
	return detections, false
}

// enrich attaches the crop and freshness score to a detection. Crop or score
// failures leave the detection usable without freshness.
func (s *Scheduler) enrich(ctx context.Context, frame *Frame, det *Detection) {
	if s.crop == nil {
		return
	}

	crop, err := s.crop(frame.Data, det.Box)
	if err != nil {
		log.Printf("[Scheduler] Failed to crop %s detection: %v", det.Category, err)
		return
	}
	det.Crop = crop

	if s.scorer == nil {
		return
	}
	score, err := s.scorer.Score(ctx, crop, det.Category)
	if err != nil {
		log.Printf("[Scheduler] Freshness scoring failed for %s: %v", det.Category, err)
		return
	}
	det.Freshness = score
	det.HasFreshness = true
}

// Cached returns the current cached detections without running the detector.
func (s *Scheduler) Cached() []Detection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cached
}

// Reset clears the cache and cadence stamp so the next frame detects
// immediately.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDetection = time.Time{}
	s.cached = nil
}
