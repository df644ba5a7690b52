// Package recognition reads the text of a cropped license plate.
//
// An Engine performs the actual OCR and returns unordered text fragments.
// The Recognizer restores reading order from fragment positions and joins
// them. Unreadable input never produces an error: it maps to one of the
// sentinel strings below.
package recognition

import (
	"context"
	"image"
	"image/draw"
	"log/slog"
	"sort"
	"strings"
)

// Sentinel texts returned in place of a plate reading.
const (
	NotReadable = "Plate not readable"
	NoTextFound = "No text found"
)

// Quad is a fragment outline: top-left, top-right, bottom-right, bottom-left.
type Quad [4]image.Point

// QuadFromRect builds a Quad from an axis-aligned rectangle.
func QuadFromRect(r image.Rectangle) Quad {
	return Quad{
		r.Min,
		image.Pt(r.Max.X, r.Min.Y),
		r.Max,
		image.Pt(r.Min.X, r.Max.Y),
	}
}

// TopLeft returns the first corner of the outline.
func (q Quad) TopLeft() image.Point {
	return q[0]
}

// Fragment is one independently segmented piece of text.
type Fragment struct {
	Quad       Quad
	Text       string
	Confidence float64 // 0-1
}

// Engine is an OCR backend. Read receives a 3-channel RGB image.
type Engine interface {
	Read(ctx context.Context, img *image.RGBA) ([]Fragment, error)
	Close() error
}

// Recognizer turns plate crops into text.
type Recognizer struct {
	engine Engine
	logger *slog.Logger
}

// Option configures a Recognizer.
type Option func(*Recognizer)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recognizer) { r.logger = l }
}

// New creates a recognizer around a loaded engine.
func New(engine Engine, opts ...Option) *Recognizer {
	r := &Recognizer{engine: engine, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Recognize returns the plate text of crop, or a sentinel. Errors are
// engine failures only and are returned unchanged.
func (r *Recognizer) Recognize(ctx context.Context, crop image.Image) (string, error) {
	if crop == nil || crop.Bounds().Dx() == 0 || crop.Bounds().Dy() == 0 {
		return NotReadable, nil
	}

	frags, err := r.engine.Read(ctx, ToRGB(crop))
	if err != nil {
		return "", err
	}
	if len(frags) == 0 {
		return NoTextFound, nil
	}

	text := Join(frags)
	r.logger.Debug("plate text recognized", "fragments", len(frags), "text", text)
	return text, nil
}

// Close releases the engine.
func (r *Recognizer) Close() error {
	return r.engine.Close()
}

// Join sorts fragments left to right by their top-left x coordinate and
// joins their text with single spaces. Equal x keeps engine order.
func Join(frags []Fragment) string {
	sorted := make([]Fragment, len(frags))
	copy(sorted, frags)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Quad.TopLeft().X < sorted[j].Quad.TopLeft().X
	})

	parts := make([]string, len(sorted))
	for i, f := range sorted {
		parts[i] = f.Text
	}
	return strings.Join(parts, " ")
}

// ToRGB copies any image (gray, paletted, alpha, YCbCr) into a zero-origin
// RGBA buffer so every engine sees three color channels.
func ToRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}
