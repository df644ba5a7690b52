// lpr-scan runs plate recognition over an image or video file without the
// web UI. Recognized plates are printed to stdout, logs go to stderr.
//
// Usage:
//
//	lpr-scan [flags] <file>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/teslashibe/go-lpr/internal/app"
	"github.com/teslashibe/go-lpr/internal/config"
	"github.com/teslashibe/go-lpr/internal/log"
	"github.com/teslashibe/go-lpr/pkg/pipeline"
	"github.com/teslashibe/go-lpr/pkg/platelog"
	"github.com/teslashibe/go-lpr/pkg/video"
	"github.com/teslashibe/go-lpr/pkg/video/capture"
)

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".webp": true}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "lpr-scan:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.DefaultConfig()
	if err := cfg.LoadEnv(); err != nil {
		return err
	}

	flag.StringVar(&cfg.Weights, "weights", cfg.Weights, "ONNX plate detector weights")
	flag.StringVar(&cfg.Device, "device", cfg.Device, "inference device: cpu, cuda or opencl")
	flag.Float64Var(&cfg.ConfidenceThreshold, "conf", cfg.ConfidenceThreshold, "confidence threshold")
	flag.StringVar(&cfg.OCREngine, "ocr", cfg.OCREngine, "OCR engine: tesseract or rekognition")
	flag.StringVar(&cfg.LogPath, "log", cfg.LogPath, "detection log CSV path")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	out := flag.String("out", "", "write the annotated image here (image input only)")
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return errors.New("expected exactly one input file")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	path := flag.Arg(0)

	log.InitTo(os.Stderr, cfg.LogLevel)
	logger := log.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comps, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.Close()

	var (
		src    pipeline.FrameSource
		source platelog.Source
		ctrl   *pipeline.Controller
	)
	if imageExts[strings.ToLower(filepath.Ext(path))] {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		img, err := video.DecodeImage(data)
		if err != nil {
			return err
		}
		src, source, ctrl = pipeline.NewImageSource(img), platelog.SourceImage, comps.Still
	} else {
		c, err := capture.OpenFile(path, logger)
		if err != nil {
			return err
		}
		src, source, ctrl = c, platelog.SourceVideo, comps.Stream
	}
	defer src.Close()

	var storageFailures int
	err = ctrl.Run(ctx, src, source, func(res pipeline.Result, err error) {
		if err != nil {
			storageFailures++
		}
		if res.Detected() {
			fmt.Printf("%d\t%.2f\t%s\n", res.Index, res.Detection.Confidence, res.Text)
		}
		if *out != "" && source == platelog.SourceImage {
			if werr := writeJPEG(*out, res); werr != nil {
				logger.Error("failed to write output", "path", *out, "err", werr)
			}
		}
	})
	if err != nil {
		return err
	}
	if storageFailures > 0 {
		return fmt.Errorf("%d plates could not be written to %s", storageFailures, cfg.LogPath)
	}
	return nil
}

func writeJPEG(path string, res pipeline.Result) error {
	data, err := video.EncodeJPEG(res.Frame, 90)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
