package detection

import (
	"fmt"
	"image"
)

// BoundingBox is a plate region in original frame pixel coordinates.
// Invariant: 0 <= X1 < X2 <= width and 0 <= Y1 < Y2 <= height.
type BoundingBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Rect returns the box as an image.Rectangle relative to the frame origin.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Width returns the box width in pixels.
func (b BoundingBox) Width() int { return b.X2 - b.X1 }

// Height returns the box height in pixels.
func (b BoundingBox) Height() int { return b.Y2 - b.Y1 }

// Validate checks the box against a width x height frame.
func (b BoundingBox) Validate(width, height int) error {
	if b.X1 < 0 || b.Y1 < 0 || b.X2 > width || b.Y2 > height || b.X1 >= b.X2 || b.Y1 >= b.Y2 {
		return fmt.Errorf("%w: (%d,%d,%d,%d) in %dx%d frame", ErrInvalidBox, b.X1, b.Y1, b.X2, b.Y2, width, height)
	}
	return nil
}

// Detection is the single plate selected for a frame.
type Detection struct {
	Box        BoundingBox
	Confidence float64     // 0-1
	ClassID    int         // Always 0 for single-class plate models
	Crop       image.Image // Frame pixels inside Box
}

// Box is an axis-aligned box in model input space (float pixels).
type Box struct {
	X1, Y1, X2, Y2 float32
}

// Area returns the box area, zero for degenerate boxes.
func (b Box) Area() float32 {
	w := b.X2 - b.X1
	h := b.Y2 - b.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IoU returns the intersection-over-union of two boxes.
func (b Box) IoU(o Box) float32 {
	ix1 := max(b.X1, o.X1)
	iy1 := max(b.Y1, o.Y1)
	ix2 := min(b.X2, o.X2)
	iy2 := min(b.Y2, o.Y2)
	inter := Box{ix1, iy1, ix2, iy2}.Area()
	if inter == 0 {
		return 0
	}
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Candidate is a decoded model box before suppression.
type Candidate struct {
	Box     Box
	Score   float32
	ClassID int
}
