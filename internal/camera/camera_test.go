package camera

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jpegBytes(payload ...byte) []byte {
	frame := []byte{0xFF, 0xD8}
	frame = append(frame, payload...)
	return append(frame, 0xFF, 0xD9)
}

func TestExtractJPEGFrame(t *testing.T) {
	first := jpegBytes(0x01, 0x02, 0x03)
	second := jpegBytes(0x04, 0x05)

	buffer := append([]byte{0x00, 0x11}, first...) // leading garbage
	buffer = append(buffer, second...)

	got := extractJPEGFrame(&buffer)
	require.NotNil(t, got)
	assert.Equal(t, first, got)

	got = extractJPEGFrame(&buffer)
	require.NotNil(t, got)
	assert.Equal(t, second, got)

	assert.Nil(t, extractJPEGFrame(&buffer))
}

func TestExtractJPEGFramePartial(t *testing.T) {
	// Start marker present, end marker not yet received.
	buffer := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03}
	assert.Nil(t, extractJPEGFrame(&buffer))
	assert.Len(t, buffer, 5, "partial frame stays buffered")

	buffer = append(buffer, 0xFF, 0xD9)
	got := extractJPEGFrame(&buffer)
	require.NotNil(t, got)
	assert.Len(t, got, 7)
}

func TestRelayPushAndStop(t *testing.T) {
	relay := NewRelay(2)
	require.NoError(t, relay.Start())

	assert.True(t, relay.Push(jpegBytes(0x01)))
	assert.True(t, relay.Push(jpegBytes(0x02)))
	// Buffer full: dropped, not blocked.
	assert.False(t, relay.Push(jpegBytes(0x03)))

	first := <-relay.Frames()
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, jpegBytes(0x01), first.Data)

	relay.Stop()
	assert.False(t, relay.Push(jpegBytes(0x04)), "push after stop is dropped")

	// Drain: one buffered frame, then the closed channel.
	second, ok := <-relay.Frames()
	require.True(t, ok)
	assert.Equal(t, uint64(2), second.Seq)
	_, ok = <-relay.Frames()
	assert.False(t, ok)

	// Stopping twice is a no-op.
	relay.Stop()
}

func TestCaptureFFmpegArgs(t *testing.T) {
	rtsp := NewCapture(CaptureConfig{Device: "rtsp://cam.local/stream", FPS: 10})
	assert.Contains(t, rtsp.ffmpegArgs(), "-rtsp_transport")

	v4l2 := NewCapture(CaptureConfig{Device: "/dev/video0", FPS: 10, Width: 640, Height: 480})
	args := v4l2.ffmpegArgs()
	assert.Contains(t, args, "v4l2")
	assert.Contains(t, args, "640x480")
}

func TestCaptureRestartServesFreshChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(jpegBytes(0x01))
	}))
	defer srv.Close()

	c := NewCapture(CaptureConfig{Device: srv.URL + "/image.jpg", FPS: 15})
	require.NoError(t, c.Start())
	first := c.Frames()
	c.Stop()

	// The first session's channel is closed and drainable.
	for range first {
	}

	// A second session must not panic on a double channel close and must
	// serve an open channel again.
	require.NoError(t, c.Start())
	defer c.Stop()
	select {
	case _, ok := <-c.Frames():
		require.True(t, ok, "restarted capture delivers on a fresh channel")
	case <-time.After(3 * time.Second):
		t.Fatal("no frame from restarted capture")
	}
}

func TestCaptureHTTPImageEndpointDetection(t *testing.T) {
	assert.True(t, NewCapture(CaptureConfig{Device: "http://cam.local/snapshot.jpg"}).isHTTPImageEndpoint())
	assert.True(t, NewCapture(CaptureConfig{Device: "https://cam.local/image"}).isHTTPImageEndpoint())
	assert.False(t, NewCapture(CaptureConfig{Device: "rtsp://cam.local/stream"}).isHTTPImageEndpoint())
	assert.False(t, NewCapture(CaptureConfig{Device: "/dev/video0"}).isHTTPImageEndpoint())
}
