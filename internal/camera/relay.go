package camera

import (
	"sync"
	"sync/atomic"
	"time"

	"freshcart/internal/pipeline"
)

// Relay is a frame source fed by a remote proxy pushing JPEG frames, usually
// over the /ws/stream websocket. It implements pipeline.FrameSource; Push is
// called by the transport handler for each received frame.
type Relay struct {
	frames chan *pipeline.Frame
	seq    atomic.Uint64

	mu     sync.Mutex
	closed bool
}

// NewRelay creates a relay with the given frame buffer size.
func NewRelay(buffer int) *Relay {
	if buffer <= 0 {
		buffer = 5
	}
	return &Relay{
		frames: make(chan *pipeline.Frame, buffer),
	}
}

// Start implements pipeline.FrameSource. The relay has no device to open.
func (r *Relay) Start() error { return nil }

// Frames implements pipeline.FrameSource.
func (r *Relay) Frames() <-chan *pipeline.Frame {
	return r.frames
}

// Push hands a received JPEG frame to the pipeline. It reports false when the
// frame was dropped because the consumer is behind or the relay is stopped.
func (r *Relay) Push(jpeg []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}

	frame := &pipeline.Frame{
		Data:      jpeg,
		Seq:       r.seq.Add(1),
		Timestamp: time.Now(),
	}
	select {
	case r.frames <- frame:
		return true
	default:
		return false
	}
}

// Stop implements pipeline.FrameSource. Further pushes are dropped.
func (r *Relay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.frames)
}

// Ensure Relay implements pipeline.FrameSource
var _ pipeline.FrameSource = (*Relay)(nil)
