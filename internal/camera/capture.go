package camera

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"freshcart/internal/pipeline"
)

// Capture reads frames from a local or networked camera through FFmpeg and
// implements pipeline.FrameSource. RTSP and HTTP streams are demuxed with
// image2pipe/mjpeg; plain HTTP image endpoints are polled; anything else is
// treated as a V4L2 device.
type Capture struct {
	device string
	fps    int
	width  int
	height int
	buffer int

	frames     chan *pipeline.Frame
	stopCh     chan struct{}
	readerDone chan struct{}
	seq        atomic.Uint64
	running    atomic.Bool

	mu  sync.Mutex
	cmd *exec.Cmd
}

// CaptureConfig holds capture settings.
type CaptureConfig struct {
	Device string
	FPS    int
	Width  int
	Height int
	Buffer int
}

// NewCapture creates a capture source for the given device.
func NewCapture(cfg CaptureConfig) *Capture {
	if cfg.FPS <= 0 {
		cfg.FPS = 15
	}
	if cfg.Width <= 0 {
		cfg.Width = 1280
	}
	if cfg.Height <= 0 {
		cfg.Height = 720
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 5
	}
	return &Capture{
		device: cfg.Device,
		fps:    cfg.FPS,
		width:  cfg.Width,
		height: cfg.Height,
		buffer: cfg.Buffer,
	}
}

// Start opens the device and launches the read loop. An unopenable device
// fails the session; the caller decides what to do next.
func (c *Capture) Start() error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("capture already running for %s", c.device)
	}

	// The read loop closes the frame channel on shutdown, so every session
	// gets a fresh one.
	c.frames = make(chan *pipeline.Frame, c.buffer)
	c.stopCh = make(chan struct{})
	c.readerDone = make(chan struct{})

	if c.isHTTPImageEndpoint() {
		go c.pollHTTPImages()
		log.Printf("[Camera] Polling image endpoint %s at %d fps", c.device, c.fps)
		return nil
	}

	cmd := exec.Command("ffmpeg", c.ffmpegArgs()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.running.Store(false)
		return fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		c.running.Store(false)
		return fmt.Errorf("failed to create ffmpeg stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		c.running.Store(false)
		return fmt.Errorf("failed to open camera %s: %w", c.device, err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.mu.Unlock()

	// Consume stderr silently
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
		}
	}()

	go c.readLoop(stdout)

	log.Printf("[Camera] Started capture for %s (fps: %d)", c.device, c.fps)
	return nil
}

// Frames implements pipeline.FrameSource. The channel belongs to the current
// session; call after Start.
func (c *Capture) Frames() <-chan *pipeline.Frame {
	return c.frames
}

// Stop signals the read loop, unblocks any in-flight read by killing ffmpeg,
// waits for the loop to exit, and only then releases the process. The device
// is never released while a read is in flight.
func (c *Capture) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}

	close(c.stopCh)

	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}

	<-c.readerDone

	if cmd != nil {
		cmd.Wait()
	}

	log.Printf("[Camera] Stopped capture for %s", c.device)
}

func (c *Capture) isHTTPImageEndpoint() bool {
	return (strings.HasPrefix(c.device, "http://") || strings.HasPrefix(c.device, "https://")) &&
		(strings.Contains(c.device, ".jpg") || strings.Contains(c.device, ".jpeg") || strings.Contains(c.device, "image"))
}

func (c *Capture) ffmpegArgs() []string {
	switch {
	case strings.HasPrefix(c.device, "rtsp://"):
		return []string{
			"-rtsp_transport", "tcp",
			"-i", c.device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", fmt.Sprintf("%d", c.fps),
			"-q:v", "5",
			"-",
		}
	case strings.HasPrefix(c.device, "http://"), strings.HasPrefix(c.device, "https://"):
		return []string{
			"-i", c.device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", fmt.Sprintf("%d", c.fps),
			"-q:v", "5",
			"-",
		}
	default:
		// V4L2 device (USB camera)
		return []string{
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", c.width, c.height),
			"-framerate", fmt.Sprintf("%d", c.fps),
			"-i", c.device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-q:v", "5",
			"-",
		}
	}
}

// readLoop extracts complete JPEG frames from the ffmpeg byte stream.
func (c *Capture) readLoop(stdout io.Reader) {
	defer close(c.readerDone)
	defer close(c.frames)

	frameBuffer := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 8192)

	for {
		select {
		case <-c.stopCh:
			return
		default:
			n, err := stdout.Read(chunk)
			if err != nil {
				if err != io.EOF && c.running.Load() {
					log.Printf("[Camera] Error reading frame from %s: %v", c.device, err)
				}
				return
			}

			frameBuffer = append(frameBuffer, chunk[:n]...)
			for {
				frame := extractJPEGFrame(&frameBuffer)
				if frame == nil {
					break
				}
				c.deliver(frame)
			}
		}
	}
}

// pollHTTPImages fetches single-image endpoints at the configured rate.
func (c *Capture) pollHTTPImages() {
	defer close(c.readerDone)
	defer close(c.frames)

	client := &http.Client{Timeout: 10 * time.Second}
	interval := time.Second / time.Duration(c.fps)
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			resp, err := client.Get(c.device)
			if err != nil {
				log.Printf("[Camera] Error fetching frame from %s: %v", c.device, err)
				continue
			}
			frame, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				log.Printf("[Camera] Error reading frame: %v", err)
				continue
			}
			c.deliver(frame)
		}
	}
}

func (c *Capture) deliver(data []byte) {
	frame := &pipeline.Frame{
		Data:      data,
		Seq:       c.seq.Add(1),
		Timestamp: time.Now(),
	}
	select {
	case c.frames <- frame:
	default:
		// Consumer is slow, drop frame
	}
}

// extractJPEGFrame extracts a complete JPEG frame from the buffer, consuming
// it. Returns nil when no complete frame is buffered yet.
func extractJPEGFrame(buffer *[]byte) []byte {
	if len(*buffer) < 4 {
		return nil
	}

	// Find JPEG start marker (FFD8)
	startIdx := -1
	for i := 0; i < len(*buffer)-1; i++ {
		if (*buffer)[i] == 0xFF && (*buffer)[i+1] == 0xD8 {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		return nil
	}

	// Find JPEG end marker (FFD9)
	endIdx := -1
	for i := startIdx + 2; i < len(*buffer)-1; i++ {
		if (*buffer)[i] == 0xFF && (*buffer)[i+1] == 0xD9 {
			endIdx = i + 2
			break
		}
	}
	if endIdx == -1 {
		return nil
	}

	frame := make([]byte, endIdx-startIdx)
	copy(frame, (*buffer)[startIdx:endIdx])
	*buffer = (*buffer)[endIdx:]

	return frame
}

// Ensure Capture implements pipeline.FrameSource
var _ pipeline.FrameSource = (*Capture)(nil)
