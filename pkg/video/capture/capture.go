// Package capture provides frame sources backed by OpenCV video capture.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"

	"go.uber.org/multierr"
	"gocv.io/x/gocv"

	"github.com/teslashibe/go-lpr/pkg/camera"
	"github.com/teslashibe/go-lpr/pkg/pipeline"
	"github.com/teslashibe/go-lpr/pkg/video"
)

// ErrOpen is returned when a file or device cannot be opened.
var ErrOpen = errors.New("capture: cannot open source")

// Capture reads frames from a gocv.VideoCapture. It implements
// pipeline.FrameSource.
type Capture struct {
	cap    *gocv.VideoCapture
	mat    gocv.Mat
	name   string
	live   bool
	warmup video.WarmupFilter
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	frames int
}

// OpenFile opens a video file. Next returns io.EOF at the end of the file.
func OpenFile(path string, logger *slog.Logger) (*Capture, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOpen, path, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: %s", ErrOpen, path)
	}

	c := newCapture(vc, path, false, logger)
	c.logger.Info("video opened",
		"path", path,
		"fps", vc.Get(gocv.VideoCaptureFPS),
		"frames", int(vc.Get(gocv.VideoCaptureFrameCount)),
	)
	return c, nil
}

// OpenDevice opens a webcam and applies cfg. Warmup frames are read and
// dropped before the first frame is returned.
func OpenDevice(cfg camera.Config, logger *slog.Logger) (*Capture, error) {
	vc, err := gocv.OpenVideoCapture(cfg.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: device %d: %v", ErrOpen, cfg.DeviceID, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: device %d", ErrOpen, cfg.DeviceID)
	}

	applySettings(vc, cfg)

	c := newCapture(vc, fmt.Sprintf("device %d", cfg.DeviceID), true, logger)
	for range cfg.WarmupFrames {
		vc.Read(&c.mat)
	}

	c.logger.Info("webcam opened",
		"device", cfg.DeviceID,
		"width", int(vc.Get(gocv.VideoCaptureFrameWidth)),
		"height", int(vc.Get(gocv.VideoCaptureFrameHeight)),
		"fps", vc.Get(gocv.VideoCaptureFPS),
	)
	return c, nil
}

func newCapture(vc *gocv.VideoCapture, name string, live bool, logger *slog.Logger) *Capture {
	if logger == nil {
		logger = slog.Default()
	}
	return &Capture{
		cap:    vc,
		mat:    gocv.NewMat(),
		name:   name,
		live:   live,
		logger: logger.With("capture", name),
	}
}

func applySettings(vc *gocv.VideoCapture, cfg camera.Config) {
	vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	vc.Set(gocv.VideoCaptureFPS, float64(cfg.Framerate))

	if cfg.Brightness > 0 {
		vc.Set(gocv.VideoCaptureBrightness, cfg.Brightness)
	}
	if cfg.Contrast > 0 {
		vc.Set(gocv.VideoCaptureContrast, cfg.Contrast)
	}
	if cfg.Gain > 0 {
		vc.Set(gocv.VideoCaptureGain, cfg.Gain)
	}
	if cfg.Exposure > 0 {
		vc.Set(gocv.VideoCaptureExposure, cfg.Exposure)
	}
	autofocus := 0.0
	if cfg.Autofocus {
		autofocus = 1
	}
	vc.Set(gocv.VideoCaptureAutoFocus, autofocus)
}

// Next returns the next frame as an RGBA image.
//
// Files return io.EOF when exhausted. Live devices skip blank frames until
// the first real one and return io.EOF when the device stops delivering
// frames.
func (c *Capture) Next(ctx context.Context) (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, io.EOF
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ok := c.cap.Read(&c.mat); !ok || c.mat.Empty() {
			c.logger.Debug("capture exhausted", "frames", c.frames)
			return nil, io.EOF
		}

		img, err := c.mat.ToImage()
		if err != nil {
			return nil, fmt.Errorf("capture: convert frame %d: %w", c.frames, err)
		}
		if c.live && c.warmup.Drop(img) {
			c.logger.Debug("skipping blank warmup frame", "skipped", c.warmup.Dropped())
			continue
		}
		c.frames++
		return img, nil
	}
}

// Frames returns how many frames have been delivered.
func (c *Capture) Frames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// Close releases the capture and its frame buffer.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return multierr.Combine(c.cap.Close(), c.mat.Close())
}

// Opener opens captures for the web UI.
type Opener struct {
	Logger *slog.Logger
}

// OpenVideo opens a video file as a frame source.
func (o Opener) OpenVideo(path string) (pipeline.FrameSource, error) {
	c, err := OpenFile(path, o.Logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// OpenWebcam opens a webcam as a frame source.
func (o Opener) OpenWebcam(cfg camera.Config) (pipeline.FrameSource, error) {
	c, err := OpenDevice(cfg, o.Logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}
