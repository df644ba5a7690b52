// Package detection locates license plates in frames using a pretrained
// object detector.
//
// The package is model-agnostic: a Model only turns a normalized input
// tensor into a raw prediction. Letterboxing, decoding, non-maximum
// suppression, mapping back to frame pixels and the single-plate selection
// policy all live here.
package detection

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// Sentinel errors for detector failures.
var (
	// ErrModelNotFound is returned when the weights file does not exist.
	ErrModelNotFound = errors.New("detection: model weights not found")

	// ErrUnsupportedOutput is returned when the model output shape cannot be decoded.
	ErrUnsupportedOutput = errors.New("detection: unsupported model output shape")

	// ErrInvalidBox is returned when a mapped box violates the frame bounds.
	ErrInvalidBox = errors.New("detection: invalid bounding box")

	// ErrEmptyFrame is returned for frames with no pixels.
	ErrEmptyFrame = errors.New("detection: empty frame")
)

// Prediction is the raw output tensor of a forward pass.
type Prediction struct {
	Data  []float32
	Shape []int
}

// Model runs a forward pass on a letterboxed, normalized tensor.
// Implementations are loaded once and must be safe to call repeatedly.
type Model interface {
	Forward(ctx context.Context, input Tensor) (Prediction, error)
	Close() error
}

// Config holds detector configuration.
type Config struct {
	ImageSize           int     // Square working resolution
	ConfidenceThreshold float32 // Minimum candidate score
	IoUThreshold        float32 // NMS duplicate threshold
	Layout              Layout  // Output tensor layout of the model
	Stride              int     // Letterbox stride when Auto is set
	Auto                bool    // Pad only to the next stride multiple instead of the full square
}

// DefaultConfig returns the defaults used by the plate model.
func DefaultConfig() Config {
	return Config{
		ImageSize:           640,
		ConfidenceThreshold: 0.25,
		IoUThreshold:        0.45,
		Layout:              LayoutYOLOv5,
		Stride:              32,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ImageSize <= 0 {
		return fmt.Errorf("detection: image size must be positive, got %d", c.ImageSize)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("detection: confidence threshold must be in [0,1], got %v", c.ConfidenceThreshold)
	}
	if c.IoUThreshold < 0 || c.IoUThreshold > 1 {
		return fmt.Errorf("detection: iou threshold must be in [0,1], got %v", c.IoUThreshold)
	}
	if _, err := ParseLayout(string(c.Layout)); err != nil {
		return err
	}
	if c.Auto && c.Stride <= 0 {
		return fmt.Errorf("detection: stride must be positive when auto padding, got %d", c.Stride)
	}
	return nil
}

// Detector bundles a loaded model with its configuration.
type Detector struct {
	model  Model
	config Config
}

// New creates a detector around an already loaded model.
func New(model Model, cfg Config) (*Detector, error) {
	if model == nil {
		return nil, errors.New("detection: model is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{model: model, config: cfg}, nil
}

// Config returns the detector configuration.
func (d *Detector) Config() Config {
	return d.config
}

// Detect finds at most one plate in frame. A nil Detection with a nil error
// means no plate was found.
func (d *Detector) Detect(ctx context.Context, frame image.Image) (*Detection, error) {
	return Detect(ctx, d.model, frame, d.config)
}

// Close releases the model.
func (d *Detector) Close() error {
	return d.model.Close()
}

// Detect runs the full detection flow for one frame:
// letterbox, tensor conversion, forward pass, decode, NMS, inverse mapping
// and selection.
func Detect(ctx context.Context, model Model, frame image.Image, cfg Config) (*Detection, error) {
	if frame == nil || frame.Bounds().Empty() {
		return nil, ErrEmptyFrame
	}

	boxed, lb := Letterbox(frame, cfg.ImageSize, cfg.Stride, cfg.Auto)
	input := ToTensor(boxed)

	pred, err := model.Forward(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("detection: forward pass: %w", err)
	}

	candidates, err := Decode(pred, cfg.Layout, cfg.ConfidenceThreshold)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	kept := NMS(candidates, cfg.IoUThreshold)

	size := frame.Bounds().Size()
	for _, c := range Reversed(kept) {
		box, err := lb.ToFrame(c.Box, size.X, size.Y)
		if err != nil {
			// Collapsed to zero area after clipping; not a usable plate.
			continue
		}
		return &Detection{
			Box:        box,
			Confidence: float64(c.Score),
			ClassID:    c.ClassID,
			Crop:       imaging.Crop(frame, box.Rect().Add(frame.Bounds().Min)),
		}, nil
	}
	return nil, nil
}
