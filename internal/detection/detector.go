package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"freshcart/internal/pipeline"
)

// healthCacheTTL is how long a successful health check is trusted.
const healthCacheTTL = 30 * time.Second

// ObjectDetector is an HTTP client for the object detection microservice.
// Frames are posted as multipart form data; the service replies with JSON
// detections.
type ObjectDetector struct {
	endpoint      string
	client        *http.Client
	confThreshold float64

	mu          sync.RWMutex
	enabled     bool
	healthCheck time.Time
}

// DetectorConfig holds configuration for the detector client.
type DetectorConfig struct {
	ServiceEndpoint     string
	ConfidenceThreshold float64
	Timeout             time.Duration
}

type rawDetection struct {
	Class      string    `json:"class"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"` // [x1, y1, x2, y2]
}

type detectResult struct {
	Detections      []rawDetection `json:"detections"`
	Count           int            `json:"count"`
	InferenceTimeMs float64        `json:"inference_time_ms"`
}

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

// NewObjectDetector creates a detector client for the given service endpoint.
func NewObjectDetector(cfg DetectorConfig) *ObjectDetector {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second // Longer timeout for GPU inference
	}
	return &ObjectDetector{
		endpoint:      cfg.ServiceEndpoint,
		client:        &http.Client{Timeout: timeout},
		confThreshold: cfg.ConfidenceThreshold,
		enabled:       true,
	}
}

// Name implements pipeline.Detector.
func (d *ObjectDetector) Name() string { return "objects" }

// IsHealthy checks if the detection service is available. A successful check
// is cached; a failed request disables the detector until SetEnabled.
func (d *ObjectDetector) IsHealthy() bool {
	d.mu.RLock()
	if !d.enabled {
		d.mu.RUnlock()
		return false
	}
	if time.Since(d.healthCheck) < healthCacheTTL {
		d.mu.RUnlock()
		return true
	}
	d.mu.RUnlock()

	resp, err := d.client.Get(d.endpoint + "/health")
	if err != nil {
		d.setEnabled(false)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var health healthResponse
		if err := json.NewDecoder(resp.Body).Decode(&health); err == nil && health.ModelLoaded {
			d.mu.Lock()
			d.healthCheck = time.Now()
			d.mu.Unlock()
			return true
		}
	}

	d.setEnabled(false)
	return false
}

// SetEnabled enables or disables the detector. Enabling resets the health
// cache so the next call re-validates.
func (d *ObjectDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
	d.healthCheck = time.Time{}
}

func (d *ObjectDetector) setEnabled(enabled bool) {
	d.mu.Lock()
	d.enabled = enabled
	d.mu.Unlock()
}

// Detect implements pipeline.Detector. It posts the frame and maps the
// service's corner-coordinate boxes into pixel rectangles.
func (d *ObjectDetector) Detect(ctx context.Context, frameJPEG []byte) ([]pipeline.Detection, error) {
	if !d.IsHealthy() {
		return nil, fmt.Errorf("object detection service unavailable")
	}

	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, err
	}
	fw.Write(frameJPEG)
	if d.confThreshold > 0 {
		w.WriteField("conf_threshold", fmt.Sprintf("%.3f", d.confThreshold))
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		d.setEnabled(false)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("object detection failed: %s", string(body))
	}

	var result detectResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	detections := make([]pipeline.Detection, 0, len(result.Detections))
	for _, raw := range result.Detections {
		detections = append(detections, pipeline.Detection{
			Category:   raw.Class,
			Confidence: raw.Confidence,
			Box:        boxFromCorners(raw.BBox),
		})
	}
	return detections, nil
}

// boxFromCorners converts an [x1, y1, x2, y2] corner box into a pixel
// rectangle.
func boxFromCorners(bbox []float64) pipeline.BBox {
	if len(bbox) < 4 {
		return pipeline.BBox{}
	}
	x1 := int(math.Round(bbox[0]))
	y1 := int(math.Round(bbox[1]))
	x2 := int(math.Round(bbox[2]))
	y2 := int(math.Round(bbox[3]))
	return pipeline.BBox{
		X:      x1,
		Y:      y1,
		Width:  x2 - x1,
		Height: y2 - y1,
	}
}

// Ensure ObjectDetector implements pipeline.Detector
var _ pipeline.Detector = (*ObjectDetector)(nil)
