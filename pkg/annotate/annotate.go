// Package annotate draws plate detections onto frames for display.
package annotate

import (
	"image"
	"image/color"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/teslashibe/go-lpr/pkg/detection"
)

var (
	// BoxColor outlines the plate.
	BoxColor = color.RGBA{0, 255, 0, 255}
	// TextColor is used for the recognized text above the box.
	TextColor = color.RGBA{12, 255, 36, 255}
)

const (
	// DefaultLineWidth is the box stroke width in pixels.
	DefaultLineWidth = 2.0
	// DefaultFontSize is the label size in points.
	DefaultFontSize = 20.0
	// TextOffset is the distance between the label baseline and the box top.
	TextOffset = 10
)

var regular *truetype.Font

func init() {
	var err error
	regular, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Style controls what gets drawn.
type Style struct {
	BoxColor  color.Color
	TextColor color.Color
	LineWidth float64
	FontSize  float64
	// DrawText enables the label. Single-image results show the text
	// beside the picture instead, so they draw the box only.
	DrawText bool
}

// DefaultStyle draws box and label.
func DefaultStyle() Style {
	return Style{
		BoxColor:  BoxColor,
		TextColor: TextColor,
		LineWidth: DefaultLineWidth,
		FontSize:  DefaultFontSize,
		DrawText:  true,
	}
}

// BoxOnly returns the style used for single images.
func BoxOnly() Style {
	s := DefaultStyle()
	s.DrawText = false
	return s
}

// Annotator renders detections with a fixed style.
type Annotator struct {
	style Style

	mu   sync.Mutex // font.Face caches glyphs and is not goroutine-safe
	face font.Face
}

// New creates an annotator.
func New(style Style) *Annotator {
	if style.LineWidth <= 0 {
		style.LineWidth = DefaultLineWidth
	}
	if style.FontSize <= 0 {
		style.FontSize = DefaultFontSize
	}
	if style.BoxColor == nil {
		style.BoxColor = BoxColor
	}
	if style.TextColor == nil {
		style.TextColor = TextColor
	}
	return &Annotator{
		style: style,
		face:  truetype.NewFace(regular, &truetype.Options{Size: style.FontSize}),
	}
}

// Style returns the annotator's style.
func (a *Annotator) Style() Style {
	return a.style
}

// Draw returns a copy of frame with box and text rendered. The input is not
// modified. box is relative to the frame's top-left corner and the result
// always has a zero origin.
func (a *Annotator) Draw(frame image.Image, box detection.BoundingBox, text string) image.Image {
	if frame.Bounds().Min != (image.Point{}) {
		frame = imaging.Clone(frame)
	}
	dc := gg.NewContextForImage(frame)
	r := box.Rect()

	DrawRectangle(dc, r, a.style.BoxColor, a.style.LineWidth)

	if a.style.DrawText && text != "" {
		a.mu.Lock()
		defer a.mu.Unlock()
		dc.SetFontFace(a.face)
		dc.SetColor(a.style.TextColor)
		dc.DrawString(text, float64(r.Min.X), float64(r.Min.Y-TextOffset))
	}

	return dc.Image()
}

// DrawRectangle strokes the outline of r.
func DrawRectangle(dc *gg.Context, r image.Rectangle, c color.Color, width float64) {
	dc.SetColor(c)
	dc.SetLineWidth(width)
	dc.DrawLine(float64(r.Min.X), float64(r.Min.Y), float64(r.Max.X), float64(r.Min.Y))
	dc.DrawLine(float64(r.Max.X), float64(r.Min.Y), float64(r.Max.X), float64(r.Max.Y))
	dc.DrawLine(float64(r.Max.X), float64(r.Max.Y), float64(r.Min.X), float64(r.Max.Y))
	dc.DrawLine(float64(r.Min.X), float64(r.Max.Y), float64(r.Min.X), float64(r.Min.Y))
	dc.Stroke()
}
