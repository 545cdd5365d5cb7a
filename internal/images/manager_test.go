package images

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func countImages(t *testing.T, dir string) int {
	t.Helper()
	count := 0
	for _, name := range listNames(t, dir) {
		if filepath.Ext(name) == ".jpg" && !preserved(name) {
			count++
		}
	}
	return count
}

func TestMaterializeReplacesUnprocessedImages(t *testing.T) {
	m := NewManager(t.TempDir(), 3)

	m.Add("apple", []byte("crop-1"), 0.9, 0.5)
	m.Add("apple", []byte("crop-2"), 0.8, 0.5)
	require.NoError(t, m.Materialize("apple"))

	dir := m.categoryDir("apple")
	var firstBatch []string
	for _, name := range listNames(t, dir) {
		if !preserved(name) {
			firstBatch = append(firstBatch, name)
		}
	}
	assert.Equal(t, 2, countImages(t, dir))
	assert.Equal(t, 0, m.Pending("apple"))
	assert.FileExists(t, filepath.Join(dir, thumbnailName), "first materialization seeds the thumbnail")

	// The next batch replaces the first entirely.
	m.Add("apple", []byte("crop-3"), 0.7, 0.4)
	require.NoError(t, m.Materialize("apple"))

	assert.Equal(t, 1, countImages(t, dir))
	for _, old := range firstBatch {
		assert.NoFileExists(t, filepath.Join(dir, old))
	}
}

func TestMaterializeWritesMetadataSidecars(t *testing.T) {
	m := NewManager(t.TempDir(), 3)

	m.Add("apple", []byte("crop"), 0.9, 0.5)
	require.NoError(t, m.Materialize("apple"))

	dir := m.categoryDir("apple")
	jpgs, sidecars := 0, 0
	for _, name := range listNames(t, dir) {
		if preserved(name) {
			continue
		}
		switch filepath.Ext(name) {
		case ".jpg":
			jpgs++
		case ".json":
			sidecars++
		}
	}
	assert.Equal(t, 1, jpgs)
	assert.Equal(t, 1, sidecars)
}

func TestCategoryClearedPreservesProcessedAndThumbnail(t *testing.T) {
	m := NewManager(t.TempDir(), 3)

	m.Add("apple", []byte("crop-1"), 0.9, 0.5)
	m.Add("apple", []byte("crop-2"), 0.9, 0.5)
	require.NoError(t, m.Materialize("apple"))
	require.NoError(t, m.SaveThumbnail("apple", []byte("thumb")))

	dir := m.categoryDir("apple")

	// Mark one image processed.
	var processedPath string
	for _, name := range listNames(t, dir) {
		if filepath.Ext(name) == ".jpg" && !preserved(name) {
			var err error
			processedPath, err = m.MarkProcessed(filepath.Join(dir, name))
			require.NoError(t, err)
			break
		}
	}
	require.NotEmpty(t, processedPath)

	m.CategoryCleared("apple")

	names := listNames(t, dir)
	assert.Contains(t, names, filepath.Base(processedPath))
	assert.Contains(t, names, thumbnailName)
	assert.Equal(t, 0, countImages(t, dir), "unprocessed images must be deleted")
	assert.Contains(t, names, filepath.Base(processedPath)+metadataSuffix, "sidecar follows its processed image")
}

func TestMarkProcessedIsIdempotent(t *testing.T) {
	m := NewManager(t.TempDir(), 3)
	m.Add("apple", []byte("crop"), 0.9, 0.5)
	require.NoError(t, m.Materialize("apple"))

	dir := m.categoryDir("apple")
	var path string
	for _, name := range listNames(t, dir) {
		if filepath.Ext(name) == ".jpg" && !preserved(name) {
			path = filepath.Join(dir, name)
		}
	}

	processed, err := m.MarkProcessed(path)
	require.NoError(t, err)

	again, err := m.MarkProcessed(processed)
	require.NoError(t, err)
	assert.Equal(t, processed, again)
}

func TestMarkProcessedRejectsPathsOutsideBase(t *testing.T) {
	m := NewManager(t.TempDir(), 3)

	stray := filepath.Join(t.TempDir(), "stray.jpg")
	require.NoError(t, os.WriteFile(stray, []byte("img"), 0o644))

	_, err := m.MarkProcessed(stray)
	require.Error(t, err)
	assert.FileExists(t, stray, "files outside the image directory stay untouched")

	_, err = m.MarkProcessed(filepath.Join(m.baseDir, "..", "stray.jpg"))
	assert.Error(t, err, "traversal out of the base directory is rejected")
}

func TestAddCapsPendingBuffer(t *testing.T) {
	m := NewManager(t.TempDir(), 2)

	m.Add("apple", []byte("crop-1"), 0.9, 0.5)
	m.Add("apple", []byte("crop-2"), 0.9, 0.5)
	m.Add("apple", []byte("crop-3"), 0.9, 0.5)
	assert.Equal(t, 2, m.Pending("apple"))

	require.NoError(t, m.Materialize("apple"))
	assert.Equal(t, 2, countImages(t, m.categoryDir("apple")))
}

func TestRetentionPrunesOldestFirst(t *testing.T) {
	m := NewManager(t.TempDir(), 2)
	dir := m.categoryDir("apple")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	// Simulate leftover images from earlier sessions with distinct ages.
	old := filepath.Join(dir, "apple_old.jpg")
	mid := filepath.Join(dir, "apple_mid.jpg")
	newer := filepath.Join(dir, "apple_new.jpg")
	for i, path := range []string{old, mid, newer} {
		require.NoError(t, os.WriteFile(path, []byte("img"), 0o644))
		stamp := time.Now().Add(time.Duration(i-3) * time.Hour)
		require.NoError(t, os.Chtimes(path, stamp, stamp))
	}

	require.NoError(t, m.enforceRetention(dir))

	assert.NoFileExists(t, old)
	assert.FileExists(t, mid)
	assert.FileExists(t, newer)
}

func TestMaterializeNothingPendingIsNoop(t *testing.T) {
	base := t.TempDir()
	m := NewManager(base, 3)
	require.NoError(t, m.Materialize("apple"))
	assert.NoDirExists(t, filepath.Join(base, "apple"))
}

func encodeTestFrame(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestCropExtractsBox(t *testing.T) {
	frame := encodeTestFrame(t, 640, 480)

	crop, err := Crop(frame, 100, 50, 200, 100)
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(crop))
	require.NoError(t, err)
	assert.Equal(t, 200, img.Bounds().Dx())
	assert.Equal(t, 100, img.Bounds().Dy())
}

func TestCropScalesLargeBoxes(t *testing.T) {
	frame := encodeTestFrame(t, 1280, 720)

	crop, err := Crop(frame, 0, 0, 1280, 720)
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(crop))
	require.NoError(t, err)
	assert.Equal(t, maxCropEdge, img.Bounds().Dx())
	assert.LessOrEqual(t, img.Bounds().Dy(), maxCropEdge)
}

func TestCropClampsToFrame(t *testing.T) {
	frame := encodeTestFrame(t, 100, 100)

	crop, err := Crop(frame, 80, 80, 100, 100)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(crop))
	require.NoError(t, err)
	assert.Equal(t, 20, img.Bounds().Dx())

	_, err = Crop(frame, 200, 200, 50, 50)
	assert.Error(t, err, "box entirely outside the frame")
}
