package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"freshcart/internal/inventory"
	"freshcart/internal/pipeline"
)

// FreshnessScorer is an HTTP client for the freshness assessment
// microservice. Cropped detections are posted as multipart form data together
// with their category; the service replies with a raw freshness score, which
// is normalized into [0,1] here and nowhere else.
type FreshnessScorer struct {
	endpoint string
	client   *http.Client

	mu          sync.RWMutex
	enabled     bool
	healthCheck time.Time
}

// ScorerConfig holds configuration for the scorer client.
type ScorerConfig struct {
	ServiceEndpoint string
	Timeout         time.Duration
}

type scoreResult struct {
	FreshnessScore float64 `json:"freshness_score"`
	Label          string  `json:"label"`
	Confidence     float64 `json:"confidence"`
}

// NewFreshnessScorer creates a scorer client for the given service endpoint.
func NewFreshnessScorer(cfg ScorerConfig) *FreshnessScorer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &FreshnessScorer{
		endpoint: cfg.ServiceEndpoint,
		client:   &http.Client{Timeout: timeout},
		enabled:  true,
	}
}

// Name implements pipeline.Scorer.
func (s *FreshnessScorer) Name() string { return "freshness" }

// IsHealthy checks if the scoring service is available, caching a successful
// check.
func (s *FreshnessScorer) IsHealthy() bool {
	s.mu.RLock()
	if !s.enabled {
		s.mu.RUnlock()
		return false
	}
	if time.Since(s.healthCheck) < healthCacheTTL {
		s.mu.RUnlock()
		return true
	}
	s.mu.RUnlock()

	resp, err := s.client.Get(s.endpoint + "/health")
	if err != nil {
		s.setEnabled(false)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var health healthResponse
		if err := json.NewDecoder(resp.Body).Decode(&health); err == nil && health.ModelLoaded {
			s.mu.Lock()
			s.healthCheck = time.Now()
			s.mu.Unlock()
			return true
		}
	}

	s.setEnabled(false)
	return false
}

// SetEnabled enables or disables the scorer. Enabling resets the health cache.
func (s *FreshnessScorer) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
	s.healthCheck = time.Time{}
}

func (s *FreshnessScorer) setEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
}

// Score implements pipeline.Scorer.
func (s *FreshnessScorer) Score(ctx context.Context, cropJPEG []byte, category string) (inventory.Freshness, error) {
	if !s.IsHealthy() {
		return 0, fmt.Errorf("freshness scoring service unavailable")
	}

	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	fw, err := w.CreateFormFile("file", "crop.jpg")
	if err != nil {
		return 0, err
	}
	fw.Write(cropJPEG)
	if category != "" {
		w.WriteField("category", category)
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/assess", &b)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		s.setEnabled(false)
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("freshness scoring failed: %s", string(body))
	}

	var result scoreResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, err
	}

	// The model reports on a 0-1 or 0-100 scale depending on version.
	return inventory.FreshnessFromModel(result.FreshnessScore), nil
}

// Ensure FreshnessScorer implements pipeline.Scorer
var _ pipeline.Scorer = (*FreshnessScorer)(nil)
