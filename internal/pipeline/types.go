package pipeline

import (
	"context"
	"time"

	"freshcart/internal/inventory"
)

// Frame is a single captured frame. Data is the JPEG-encoded image.
type Frame struct {
	Data      []byte
	Seq       uint64
	Timestamp time.Time
}

// BBox is a bounding box in pixel coordinates within the source frame.
type BBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Detection is one detected object within a frame. Freshness is populated by
// the scorer when available; Crop holds the scaled JPEG crop of the box, used
// for image persistence and freshness scoring.
type Detection struct {
	Category     string              `json:"category"`
	Confidence   float64             `json:"confidence"`
	Box          BBox                `json:"box"`
	Freshness    inventory.Freshness `json:"freshness,omitempty"`
	HasFreshness bool                `json:"-"`
	Crop         []byte              `json:"-"`
}

// FrameSource produces frames for a stream session. Start opens the
// underlying device or connection; a failed Start is fatal for the session
// only. Stop releases the source and must not race an in-flight read: the
// frame channel is closed only after the read loop has exited.
type FrameSource interface {
	Start() error
	Frames() <-chan *Frame
	Stop()
}

// Detector runs object detection on a JPEG frame.
type Detector interface {
	Name() string
	Detect(ctx context.Context, frameJPEG []byte) ([]Detection, error)
}

// Scorer estimates the freshness of a cropped object image. Implementations
// normalize the model's raw output into [0,1] before returning.
type Scorer interface {
	Name() string
	Score(ctx context.Context, cropJPEG []byte, category string) (inventory.Freshness, error)
}

// CropFunc extracts the given box from a JPEG frame and returns it as a
// scaled, re-encoded JPEG.
type CropFunc func(frameJPEG []byte, box BBox) ([]byte, error)

// Applier reconciles debounced category deltas into the inventory store.
// *inventory.Reconciler implements it.
type Applier interface {
	Apply(ctx context.Context, deltas []inventory.CategoryDelta) ([]inventory.CommittedChange, error)
}

// Broadcaster fans processed frames out to connected observers.
type Broadcaster interface {
	BroadcastFrame(frame *Frame, detections []Detection, fps float64)
}

// ImageSink receives detection crops and category lifecycle notifications.
// *images.Manager implements it.
type ImageSink interface {
	Add(category string, crop []byte, confidence float64, freshness inventory.Freshness)
	Materialize(category string) error
	CategoryCleared(category string)
}
