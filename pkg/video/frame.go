// Package video converts frames to and from encoded images for upload and streaming.
package video

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// EncodeJPEG converts a frame to JPEG bytes for streaming.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("video: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeImage decodes an uploaded still image (JPEG, PNG or WebP).
func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("video: decode image: %w", err)
	}
	return img, nil
}

// IsBlankFrame reports whether a frame is uniformly black or mid gray, as
// webcams deliver while the sensor is starting up. Dark frames with any
// content, such as a lit plate at night, are not blank.
func IsBlankFrame(img image.Image) bool {
	bounds := img.Bounds()
	if bounds.Dx() < 10 || bounds.Dy() < 10 {
		return true
	}

	// Sample a 10x10 grid
	var rSum, gSum, bSum int
	samples := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y += bounds.Dy() / 10 {
		for x := bounds.Min.X; x < bounds.Max.X; x += bounds.Dx() / 10 {
			r, g, b, _ := img.At(x, y).RGBA()
			rSum += int(r >> 8)
			gSum += int(g >> 8)
			bSum += int(b >> 8)
			samples++
		}
	}

	avgR := rSum / samples
	avgG := gSum / samples
	avgB := bSum / samples

	dark := avgR < 30 && avgG < 30 && avgB < 30
	colorDiff := abs(avgR-avgG) + abs(avgG-avgB) + abs(avgR-avgB)
	gray := colorDiff < 15 && avgR > 100 && avgR < 150
	return (dark || gray) && uniform(img, avgR, avgG, avgB)
}

// uniform reports whether every sampled pixel is close to the given levels.
func uniform(img image.Image, lr, lg, lb int) bool {
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y += max(1, bounds.Dy()/20) {
		for x := bounds.Min.X; x < bounds.Max.X; x += max(1, bounds.Dx()/20) {
			r, g, b, _ := img.At(x, y).RGBA()
			if abs(int(r>>8)-lr) > 8 || abs(int(g>>8)-lg) > 8 || abs(int(b>>8)-lb) > 8 {
				return false
			}
		}
	}
	return true
}

// DefaultWarmupFrames bounds how many blank frames a WarmupFilter drops.
const DefaultWarmupFrames = 30

// WarmupFilter drops the blank frames a live device delivers before its
// first real frame. After one frame passes nothing else is dropped, so a
// dark scene later in the run still reaches detection.
type WarmupFilter struct {
	Limit int // DefaultWarmupFrames when zero

	dropped int
	done    bool
}

// Drop reports whether img should be skipped.
func (w *WarmupFilter) Drop(img image.Image) bool {
	if w.done {
		return false
	}
	limit := w.Limit
	if limit <= 0 {
		limit = DefaultWarmupFrames
	}
	if w.dropped < limit && IsBlankFrame(img) {
		w.dropped++
		return true
	}
	w.done = true
	return false
}

// Dropped returns how many frames were skipped.
func (w *WarmupFilter) Dropped() int {
	return w.dropped
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
