package images

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"freshcart/internal/inventory"
)

const (
	// processedPrefix marks images that were picked up by a downstream
	// consumer; they are exempt from replacement and cleanup.
	processedPrefix = "processed_"
	// thumbnailName is the per-category thumbnail, always preserved.
	thumbnailName = "thumbnail.jpg"

	metadataSuffix = ".json"
)

// Manager owns detection images on disk. Crops accumulate in per-category
// in-memory buffers and hit the filesystem only when a category is
// materialized; a materialization replaces the category's previous
// unprocessed images. Processed images and thumbnails survive replacement,
// category clearing, and retention pruning.
type Manager struct {
	baseDir        string
	maxPerCategory int

	mu      sync.Mutex
	pending map[string][]pendingImage
}

type pendingImage struct {
	data       []byte
	confidence float64
	freshness  inventory.Freshness
	capturedAt time.Time
}

// Metadata is the JSON sidecar written next to each image.
type Metadata struct {
	Category   string              `json:"category"`
	Confidence float64             `json:"confidence"`
	Freshness  inventory.Freshness `json:"freshness"`
	CapturedAt time.Time           `json:"captured_at"`
}

// NewManager creates a manager rooted at baseDir.
func NewManager(baseDir string, maxPerCategory int) *Manager {
	if maxPerCategory <= 0 {
		maxPerCategory = 3
	}
	return &Manager{
		baseDir:        baseDir,
		maxPerCategory: maxPerCategory,
		pending:        make(map[string][]pendingImage),
	}
}

// Add buffers a crop for the category. The buffer keeps the newest
// maxPerCategory crops; older ones fall off.
func (m *Manager) Add(category string, crop []byte, confidence float64, freshness inventory.Freshness) {
	if len(crop) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	buf := append(m.pending[category], pendingImage{
		data:       crop,
		confidence: confidence,
		freshness:  freshness,
		capturedAt: time.Now().UTC(),
	})
	if len(buf) > m.maxPerCategory {
		buf = buf[len(buf)-m.maxPerCategory:]
	}
	m.pending[category] = buf
}

// Materialize writes the category's pending crops to disk, replacing its
// previous unprocessed images. Processed images and the thumbnail are left
// alone; a category without a thumbnail gets one seeded from the first crop.
// A no-op when nothing is pending.
func (m *Manager) Materialize(category string) error {
	m.mu.Lock()
	batch := m.pending[category]
	delete(m.pending, category)
	m.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	dir := m.categoryDir(category)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create image directory for %s: %w", category, err)
	}

	if err := m.removeUnprocessed(dir); err != nil {
		return err
	}

	if _, err := os.Stat(filepath.Join(dir, thumbnailName)); os.IsNotExist(err) {
		if err := m.SaveThumbnail(category, batch[0].data); err != nil {
			log.Printf("[Images] Failed to save %s thumbnail: %v", category, err)
		}
	}

	for i, img := range batch {
		base := fmt.Sprintf("%s_%d_%d.jpg", sanitize(category), img.capturedAt.UnixNano(), i)
		path := filepath.Join(dir, base)
		if err := os.WriteFile(path, img.data, 0o644); err != nil {
			return fmt.Errorf("failed to write image %s: %w", base, err)
		}

		meta := Metadata{
			Category:   category,
			Confidence: img.confidence,
			Freshness:  img.freshness,
			CapturedAt: img.capturedAt,
		}
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if err := os.WriteFile(path+metadataSuffix, data, 0o644); err != nil {
			return fmt.Errorf("failed to write metadata for %s: %w", base, err)
		}
	}

	return m.enforceRetention(dir)
}

// MarkProcessed renames an image (and its metadata sidecar) with the
// processed prefix, exempting it from replacement and cleanup. Paths outside
// the manager's base directory are rejected; callers pass through
// client-supplied paths.
func (m *Manager) MarkProcessed(path string) (string, error) {
	rel, err := filepath.Rel(m.baseDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the image directory", path)
	}

	dir, base := filepath.Split(path)
	if strings.HasPrefix(base, processedPrefix) {
		return path, nil
	}

	processed := filepath.Join(dir, processedPrefix+base)
	if err := os.Rename(path, processed); err != nil {
		return "", fmt.Errorf("failed to mark %s processed: %w", base, err)
	}

	if _, err := os.Stat(path + metadataSuffix); err == nil {
		if err := os.Rename(path+metadataSuffix, processed+metadataSuffix); err != nil {
			return "", fmt.Errorf("failed to move metadata for %s: %w", base, err)
		}
	}
	return processed, nil
}

// SaveThumbnail writes the category thumbnail. Thumbnails are never deleted
// by replacement, clearing, or retention.
func (m *Manager) SaveThumbnail(category string, crop []byte) error {
	dir := m.categoryDir(category)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create image directory for %s: %w", category, err)
	}
	return os.WriteFile(filepath.Join(dir, thumbnailName), crop, 0o644)
}

// CategoryCleared drops the category's pending buffer and deletes its
// unprocessed images. Called when the category's inventory count reaches
// zero.
func (m *Manager) CategoryCleared(category string) {
	m.mu.Lock()
	delete(m.pending, category)
	m.mu.Unlock()

	if err := m.DeleteCategory(category); err != nil {
		log.Printf("[Images] Failed to clear images for %s: %v", category, err)
	}
}

// DeleteCategory removes the category's unprocessed images from disk,
// preserving processed images and the thumbnail.
func (m *Manager) DeleteCategory(category string) error {
	dir := m.categoryDir(category)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return m.removeUnprocessed(dir)
}

// Pending returns the number of buffered crops for a category.
func (m *Manager) Pending(category string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[category])
}

func (m *Manager) categoryDir(category string) string {
	return filepath.Join(m.baseDir, sanitize(category))
}

// removeUnprocessed deletes every deletable file in dir.
func (m *Manager) removeUnprocessed(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || preserved(entry.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("failed to remove %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// enforceRetention prunes the oldest deletable images beyond the per-category
// cap. Sidecars follow their image.
func (m *Manager) enforceRetention(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	type aged struct {
		name    string
		modTime time.Time
	}
	var images []aged
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || preserved(name) || strings.HasSuffix(name, metadataSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		images = append(images, aged{name: name, modTime: info.ModTime()})
	}

	if len(images) <= m.maxPerCategory {
		return nil
	}

	sort.Slice(images, func(i, j int) bool { return images[i].modTime.Before(images[j].modTime) })
	for _, img := range images[:len(images)-m.maxPerCategory] {
		os.Remove(filepath.Join(dir, img.name))
		os.Remove(filepath.Join(dir, img.name+metadataSuffix))
	}
	return nil
}

// preserved reports whether a file is exempt from replacement and cleanup.
func preserved(name string) bool {
	if strings.HasPrefix(name, processedPrefix) {
		return true
	}
	return name == thumbnailName || strings.HasPrefix(name, "thumbnail.")
}

func sanitize(category string) string {
	category = strings.ToLower(strings.TrimSpace(category))
	category = strings.ReplaceAll(category, " ", "_")
	return strings.ReplaceAll(category, string(filepath.Separator), "_")
}
