// lpr serves the license plate recognition web UI.
//
// Usage:
//
//	lpr [flags]
//
// Flags override LPR_* environment variables and .env.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/teslashibe/go-lpr/internal/app"
	"github.com/teslashibe/go-lpr/internal/config"
	"github.com/teslashibe/go-lpr/internal/log"
	"github.com/teslashibe/go-lpr/pkg/camera"
	"github.com/teslashibe/go-lpr/pkg/video/capture"
	"github.com/teslashibe/go-lpr/pkg/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "lpr:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.DefaultConfig()
	if err := cfg.LoadEnv(); err != nil {
		return err
	}

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	flag.StringVar(&cfg.Weights, "weights", cfg.Weights, "ONNX plate detector weights")
	flag.StringVar(&cfg.Device, "device", cfg.Device, "inference device: cpu, cuda or opencl")
	flag.IntVar(&cfg.ImageSize, "imgsz", cfg.ImageSize, "model input size")
	flag.Float64Var(&cfg.ConfidenceThreshold, "conf", cfg.ConfidenceThreshold, "confidence threshold")
	flag.Float64Var(&cfg.IoUThreshold, "iou", cfg.IoUThreshold, "NMS IoU threshold")
	flag.StringVar(&cfg.Layout, "layout", cfg.Layout, "model output layout: yolov5 or yolov8")
	flag.StringVar(&cfg.OCREngine, "ocr", cfg.OCREngine, "OCR engine: tesseract or rekognition")
	flag.StringVar(&cfg.LogPath, "log", cfg.LogPath, "detection log CSV path")
	flag.StringVar(&cfg.PostgresDSN, "postgres", cfg.PostgresDSN, "optional Postgres DSN mirroring the detection log")
	flag.IntVar(&cfg.WebcamDevice, "webcam", cfg.WebcamDevice, "webcam device index")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error")
	debug := flag.Bool("debug", false, "log HTTP requests")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Init(cfg.LogLevel)
	logger := log.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comps, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := comps.Close(); err != nil {
			logger.Warn("close failed", "err", err)
		}
	}()

	camCfg := camera.DefaultConfig()
	camCfg.DeviceID = cfg.WebcamDevice
	cams := camera.NewManager(camCfg)

	srv := web.NewServer(web.Config{
		Addr:        cfg.Addr,
		BodyLimit:   cfg.MaxUploadMB << 20,
		Debug:       *debug,
		JPEGQuality: camCfg.Quality,
	}, web.Deps{
		Stream:  comps.Stream,
		Still:   comps.Still,
		Log:     comps.Log,
		Camera:  cams,
		Sources: capture.Opener{Logger: logger},
		Logger:  logger,
	})

	errc := srv.StartAsync()
	logger.Info("ready", "url", "http://localhost"+cfg.Addr, "log", cfg.LogPath)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("shutdown error", "err", err)
	}
	return serveErr
}
