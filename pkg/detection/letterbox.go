package detection

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

// PadColor is the neutral gray used for letterbox borders.
var PadColor = color.NRGBA{R: 114, G: 114, B: 114, A: 255}

// LetterboxParams records the transform applied by Letterbox so boxes can
// be mapped back to the source frame.
type LetterboxParams struct {
	Scale   float64 // Resize gain applied to the source
	PadLeft float64 // Horizontal padding (may be fractional before rounding)
	PadTop  float64 // Vertical padding
	Width   int     // Letterboxed width
	Height  int     // Letterboxed height
}

// NewLetterboxParams computes the transform for a srcW x srcH frame onto a
// size x size canvas. With auto set the canvas shrinks to the smallest
// stride multiple that holds the resized frame.
func NewLetterboxParams(srcW, srcH, size, stride int, auto bool) LetterboxParams {
	r := math.Min(float64(size)/float64(srcH), float64(size)/float64(srcW))
	unpadW := max(1, int(math.Round(float64(srcW)*r)))
	unpadH := max(1, int(math.Round(float64(srcH)*r)))

	dw := float64(size - unpadW)
	dh := float64(size - unpadH)
	if auto && stride > 0 {
		dw = math.Mod(dw, float64(stride))
		dh = math.Mod(dh, float64(stride))
	}
	dw /= 2
	dh /= 2

	left := int(math.Round(dw - 0.1))
	right := int(math.Round(dw + 0.1))
	top := int(math.Round(dh - 0.1))
	bottom := int(math.Round(dh + 0.1))

	return LetterboxParams{
		Scale:   r,
		PadLeft: dw,
		PadTop:  dh,
		Width:   unpadW + left + right,
		Height:  unpadH + top + bottom,
	}
}

// offsets returns the integer padding used when compositing.
func (p LetterboxParams) offsets() (left, top int) {
	return int(math.Round(p.PadLeft - 0.1)), int(math.Round(p.PadTop - 0.1))
}

// Letterbox resizes frame onto a padded canvas preserving aspect ratio.
func Letterbox(frame image.Image, size, stride int, auto bool) (*image.NRGBA, LetterboxParams) {
	b := frame.Bounds()
	p := NewLetterboxParams(b.Dx(), b.Dy(), size, stride, auto)

	unpadW := max(1, int(math.Round(float64(b.Dx())*p.Scale)))
	unpadH := max(1, int(math.Round(float64(b.Dy())*p.Scale)))

	var resized image.Image = frame
	if unpadW != b.Dx() || unpadH != b.Dy() {
		resized = imaging.Resize(frame, unpadW, unpadH, imaging.Linear)
	}

	left, top := p.offsets()
	canvas := imaging.New(p.Width, p.Height, PadColor)
	return imaging.Paste(canvas, resized, image.Pt(left, top)), p
}

// ToModel maps a frame-space box into letterboxed model space.
func (p LetterboxParams) ToModel(b BoundingBox) Box {
	return Box{
		X1: float32(float64(b.X1)*p.Scale + p.PadLeft),
		Y1: float32(float64(b.Y1)*p.Scale + p.PadTop),
		X2: float32(float64(b.X2)*p.Scale + p.PadLeft),
		Y2: float32(float64(b.Y2)*p.Scale + p.PadTop),
	}
}

// ToFrame inverts the letterbox transform for a model-space box, clips it to
// the frame and rounds to integer pixels (half to even).
func (p LetterboxParams) ToFrame(b Box, width, height int) (BoundingBox, error) {
	unmap := func(v float32, pad float64, limit int) int {
		x := (float64(v) - pad) / p.Scale
		x = math.Max(0, math.Min(x, float64(limit)))
		return int(math.RoundToEven(x))
	}
	out := BoundingBox{
		X1: unmap(b.X1, p.PadLeft, width),
		Y1: unmap(b.Y1, p.PadTop, height),
		X2: unmap(b.X2, p.PadLeft, width),
		Y2: unmap(b.Y2, p.PadTop, height),
	}
	if err := out.Validate(width, height); err != nil {
		return BoundingBox{}, err
	}
	return out, nil
}
