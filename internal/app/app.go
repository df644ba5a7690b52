// Package app assembles the recognizer components shared by the go-lpr
// commands from a config.Config.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/teslashibe/go-lpr/internal/config"
	"github.com/teslashibe/go-lpr/pkg/annotate"
	"github.com/teslashibe/go-lpr/pkg/detection"
	"github.com/teslashibe/go-lpr/pkg/detection/onnx"
	"github.com/teslashibe/go-lpr/pkg/pipeline"
	"github.com/teslashibe/go-lpr/pkg/platelog"
	"github.com/teslashibe/go-lpr/pkg/recognition"
	"github.com/teslashibe/go-lpr/pkg/recognition/rekognition"
	"github.com/teslashibe/go-lpr/pkg/recognition/tesseract"
)

// Components are the loaded models, the detection log and the two
// pipeline controllers built on them.
type Components struct {
	Detector   *detection.Detector
	Recognizer *recognition.Recognizer
	Log        *platelog.CSVLog
	Mirror     *platelog.PostgresMirror // nil without a DSN

	// Stream annotates box and text; Still annotates the box only.
	Stream *pipeline.Controller
	Still  *pipeline.Controller
}

// Build loads the detector and OCR engine and opens the detection log.
// The caller must Close the result.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Components, error) {
	model, err := onnx.Load(cfg.Weights, onnx.ParseDevice(cfg.Device))
	if err != nil {
		return nil, err
	}
	det, err := detection.New(model, cfg.DetectorConfig())
	if err != nil {
		model.Close()
		return nil, err
	}
	logger.Info("detector loaded", "weights", cfg.Weights, "device", model.Device(), "layout", cfg.Layout)

	engine, err := newEngine(ctx, cfg)
	if err != nil {
		det.Close()
		return nil, err
	}
	rec := recognition.New(engine, recognition.WithLogger(logger))
	logger.Info("ocr engine ready", "engine", cfg.OCREngine)

	c := &Components{
		Detector:   det,
		Recognizer: rec,
		Log:        platelog.New(cfg.LogPath),
	}

	var sink platelog.Sink = c.Log
	if cfg.PostgresDSN != "" {
		mirror, err := platelog.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Mirror = mirror
		sink = platelog.Tee(c.Log, func(err error) {
			logger.Warn("postgres mirror append failed", "err", err)
		}, mirror)
		logger.Info("postgres mirror enabled")
	}

	c.Stream = pipeline.New(det, rec, sink, annotate.New(annotate.DefaultStyle()), pipeline.WithLogger(logger))
	c.Still = pipeline.New(det, rec, sink, annotate.New(annotate.BoxOnly()), pipeline.WithLogger(logger))
	return c, nil
}

func newEngine(ctx context.Context, cfg config.Config) (recognition.Engine, error) {
	switch cfg.OCREngine {
	case config.EngineRekognition:
		return rekognition.NewFromRegion(ctx, cfg.AWSRegion)
	case config.EngineTesseract:
		tc := tesseract.DefaultConfig()
		tc.Language = cfg.OCRLanguage
		tc.Whitelist = cfg.OCRWhitelist
		return tesseract.New(tc)
	}
	return nil, fmt.Errorf("app: unknown ocr engine %q", cfg.OCREngine)
}

// Close releases the models and the database connection.
func (c *Components) Close() error {
	var err error
	if c.Detector != nil {
		err = multierr.Append(err, c.Detector.Close())
	}
	if c.Recognizer != nil {
		err = multierr.Append(err, c.Recognizer.Close())
	}
	if c.Mirror != nil {
		err = multierr.Append(err, c.Mirror.Close())
	}
	return err
}
