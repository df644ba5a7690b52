// Package pipeline drives the per-frame plate recognition loop.
//
// Each frame goes through detect, recognize, log and annotate before the
// next one is fetched. Runs are exposed as pull iterators; a run stops when
// the source is exhausted, the context is cancelled (checked between frames)
// or inference fails.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"iter"
	"log/slog"

	"github.com/google/uuid"

	"github.com/teslashibe/go-lpr/pkg/detection"
	"github.com/teslashibe/go-lpr/pkg/platelog"
)

// PlateDetector locates at most one plate per frame.
type PlateDetector interface {
	Detect(ctx context.Context, frame image.Image) (*detection.Detection, error)
}

// PlateRecognizer reads the text of a plate crop.
type PlateRecognizer interface {
	Recognize(ctx context.Context, crop image.Image) (string, error)
}

// Drawer renders a detection onto a copy of the frame.
type Drawer interface {
	Draw(frame image.Image, box detection.BoundingBox, text string) image.Image
}

// Result is one emitted frame.
type Result struct {
	RunID     string
	Index     int
	Source    platelog.Source
	Frame     image.Image          // annotated when Detection is set, otherwise the input frame
	Detection *detection.Detection // nil when no plate was found
	Text      string               // recognized text or a sentinel
}

// Detected reports whether the frame contained a plate.
func (r Result) Detected() bool {
	return r.Detection != nil
}

// Controller wires the detector, recognizer, log and annotator together.
type Controller struct {
	detector   PlateDetector
	recognizer PlateRecognizer
	sink       platelog.Sink
	drawer     Drawer
	logger     *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// New creates a controller. drawer may be nil, in which case frames are
// emitted unannotated.
func New(det PlateDetector, rec PlateRecognizer, sink platelog.Sink, drawer Drawer, opts ...Option) *Controller {
	c := &Controller{
		detector:   det,
		recognizer: rec,
		sink:       sink,
		drawer:     drawer,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Process runs one frame through detect, recognize, log and annotate.
//
// A StorageError is returned together with a complete Result; an
// InferenceError is returned with a zero Result.
func (c *Controller) Process(ctx context.Context, frame image.Image, source platelog.Source) (Result, error) {
	return c.process(ctx, "", 0, frame, source)
}

func (c *Controller) process(ctx context.Context, runID string, index int, frame image.Image, source platelog.Source) (Result, error) {
	res := Result{RunID: runID, Index: index, Source: source, Frame: frame}

	det, err := c.detector.Detect(ctx, frame)
	if err != nil {
		return Result{}, &InferenceError{Stage: StageDetect, Frame: index, Err: err}
	}
	if det == nil {
		c.logger.Debug("no plate", "run", runID, "frame", index)
		return res, nil
	}

	text, err := c.recognizer.Recognize(ctx, det.Crop)
	if err != nil {
		return Result{}, &InferenceError{Stage: StageRecognize, Frame: index, Err: err}
	}
	res.Detection = det
	res.Text = text

	var storeErr error
	if err := c.sink.Append(text, source); err != nil {
		storeErr = &StorageError{Path: sinkPath(c.sink), Text: text, Err: err}
		c.logger.Error("failed to log plate", "run", runID, "frame", index, "text", text, "err", err)
	}

	if c.drawer != nil {
		res.Frame = c.drawer.Draw(frame, det.Box, text)
	}

	c.logger.Info("plate detected",
		"run", runID,
		"frame", index,
		"source", source,
		"text", text,
		"confidence", det.Confidence,
	)
	return res, storeErr
}

// Frames returns a lazy sequence of processed frames pulled from src.
//
// The sequence ends when src returns io.EOF, when ctx is done (checked
// before each fetch, so a frame in flight always completes) or after an
// InferenceError or source error has been yielded. StorageErrors are yielded
// with their Result and the sequence continues if the consumer keeps pulling.
// The caller owns src and closes it.
func (c *Controller) Frames(ctx context.Context, src FrameSource, source platelog.Source) iter.Seq2[Result, error] {
	return func(yield func(Result, error) bool) {
		runID := RunIDFromContext(ctx)
		if runID == "" {
			runID = uuid.NewString()
		}
		log := c.logger.With("run", runID, "source", source)
		log.Info("run started")

		frames := 0
		defer func() { log.Info("run finished", "frames", frames) }()

		for index := 0; ; index++ {
			if ctx.Err() != nil {
				log.Info("run stopped")
				return
			}

			frame, err := src.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					log.Info("run stopped")
					return
				}
				yield(Result{}, fmt.Errorf("pipeline: read frame %d: %w", index, err))
				return
			}
			frames++

			res, err := c.process(ctx, runID, index, frame, source)
			if IsInferenceError(err) {
				log.Error("inference failed", "frame", index, "err", err)
				yield(Result{}, err)
				return
			}
			if !yield(res, err) {
				return
			}
		}
	}
}

// Run consumes Frames and calls emit for each result. It returns the first
// error that ends the run; StorageErrors are passed to emit and do not stop it.
func (c *Controller) Run(ctx context.Context, src FrameSource, source platelog.Source, emit func(Result, error)) error {
	for res, err := range c.Frames(ctx, src, source) {
		if err != nil && !IsStorageError(err) {
			return err
		}
		emit(res, err)
	}
	return nil
}

type runIDKey struct{}

// ContextWithRunID makes Frames use id instead of generating one.
func ContextWithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFromContext returns the run id stored by ContextWithRunID.
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

func sinkPath(s platelog.Sink) string {
	if p, ok := s.(interface{ Path() string }); ok {
		return p.Path()
	}
	return ""
}
