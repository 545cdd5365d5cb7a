package images

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// maxCropEdge caps the longest edge of a persisted crop.
const maxCropEdge = 320

// cropQuality is the JPEG quality for re-encoded crops.
const cropQuality = 85

// Crop extracts a pixel rectangle from a JPEG frame and returns it as a
// re-encoded JPEG, downscaled so its longest edge does not exceed
// maxCropEdge. The rectangle is clamped to the frame bounds.
func Crop(frameJPEG []byte, x, y, width, height int) ([]byte, error) {
	src, err := jpeg.Decode(bytes.NewReader(frameJPEG))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	rect := image.Rect(x, y, x+width, y+height).Intersect(src.Bounds())
	if rect.Empty() {
		return nil, fmt.Errorf("crop box (%d,%d %dx%d) is outside the frame", x, y, width, height)
	}

	dst := image.NewRGBA(scaledBounds(rect))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, rect, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: cropQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode crop: %w", err)
	}
	return buf.Bytes(), nil
}

// scaledBounds shrinks rect proportionally so its longest edge fits
// maxCropEdge.
func scaledBounds(rect image.Rectangle) image.Rectangle {
	w, h := rect.Dx(), rect.Dy()
	longest := w
	if h > longest {
		longest = h
	}
	if longest <= maxCropEdge {
		return image.Rect(0, 0, w, h)
	}

	scale := float64(maxCropEdge) / float64(longest)
	sw := int(float64(w) * scale)
	sh := int(float64(h) * scale)
	if sw < 1 {
		sw = 1
	}
	if sh < 1 {
		sh = 1
	}
	return image.Rect(0, 0, sw, sh)
}
