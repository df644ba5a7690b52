// Package web serves the browser UI for plate recognition: single images,
// uploaded videos and a live webcam, plus the detection log download.
package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/filesystem"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-lpr/pkg/camera"
	"github.com/teslashibe/go-lpr/pkg/hub"
	"github.com/teslashibe/go-lpr/pkg/pipeline"
	"github.com/teslashibe/go-lpr/pkg/platelog"
)

//go:embed static
var staticFiles embed.FS

// Warnings shown inline by the UI.
const (
	WarnNoPlate     = "No license plate detected."
	WarnNoDetection = "No plates detected yet."
)

// SourceOpener opens frame sources for video and webcam runs.
type SourceOpener interface {
	OpenVideo(path string) (pipeline.FrameSource, error)
	OpenWebcam(cfg camera.Config) (pipeline.FrameSource, error)
}

// DetectionLog is the read side of the detection log.
type DetectionLog interface {
	Records() ([]platelog.Record, error)
	Export(w io.Writer) error
}

// Config configures the HTTP server.
type Config struct {
	Addr        string
	AppName     string
	BodyLimit   int    // bytes; fiber's default when zero
	TempDir     string // for uploaded videos; os.TempDir when empty
	Debug       bool   // request logging
	JPEGQuality int    // streamed video frames
}

// Deps are the components the server drives.
type Deps struct {
	// Stream processes video and webcam frames (box and text drawn).
	Stream *pipeline.Controller
	// Still processes single images (box only).
	Still *pipeline.Controller

	Log     DetectionLog
	Camera  *camera.Manager
	Sources SourceOpener
	Logger  *slog.Logger
}

// Server is the web UI server
type Server struct {
	app    *fiber.App
	config Config

	still   *pipeline.Controller
	log     DetectionLog
	camera  *camera.Manager
	sources SourceOpener
	logger  *slog.Logger

	// Hubs for websocket broadcast
	frameHub *hub.Hub
	eventHub *hub.Hub

	runs    *runner
	metrics *metrics

	hubCancel context.CancelFunc
	hubOnce   sync.Once
}

// NewServer creates the server and registers all routes.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.AppName == "" {
		cfg.AppName = "go-lpr"
	}
	if cfg.JPEGQuality == 0 {
		cfg.JPEGQuality = 80
	}
	lg := deps.Logger
	if lg == nil {
		lg = slog.Default()
	}

	s := &Server{
		config:   cfg,
		still:    deps.Still,
		log:      deps.Log,
		camera:   deps.Camera,
		sources:  deps.Sources,
		logger:   lg,
		frameHub: hub.New("frames", lg),
		eventHub: hub.New("events", lg),
		metrics:  &metrics{},
	}
	s.runs = newRunner(deps.Stream, s.frameHub, s.eventHub, s.metrics, lg)
	if s.camera != nil {
		s.camera.OnConfigChange = s.cameraChanged
	}

	app := fiber.New(fiber.Config{
		AppName:               cfg.AppName,
		DisableStartupMessage: true,
		BodyLimit:             cfg.BodyLimit,
	})

	app.Use(recover.New())
	// CORS for local development
	app.Use(cors.New())
	if cfg.Debug {
		app.Use(logger.New())
	}

	app.Get("/health", s.handleHealth)
	app.Get("/metrics", s.handleMetrics)

	// API routes
	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Post("/image", s.handleImage)
	api.Post("/video", s.handleVideo)
	api.Post("/webcam/start", s.handleWebcamStart)
	api.Post("/webcam/stop", s.handleWebcamStop)
	api.Post("/stop", s.handleStop)
	api.Get("/detections", s.handleDetections)
	api.Get("/detections.csv", s.handleDetectionsCSV)
	api.Get("/camera", s.handleGetCamera)
	api.Put("/camera", s.handlePutCamera)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	// WebSocket routes
	app.Get("/ws/frames", websocket.New(s.handleFramesWS))
	app.Get("/ws/events", websocket.New(s.handleEventsWS))

	// Embedded UI, registered last so it only serves what the API did not match.
	static, _ := fs.Sub(staticFiles, "static")
	app.Use("/", filesystem.New(filesystem.Config{
		Root:  http.FS(static),
		Index: "index.html",
	}))

	s.app = app
	return s
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

// StartHubs runs the websocket hubs until Shutdown. Start calls it.
func (s *Server) StartHubs() {
	s.hubOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.hubCancel = cancel
		go s.frameHub.Run(ctx)
		go s.eventHub.Run(ctx)
	})
}

// Start starts the web server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("web ui listening", "addr", s.config.Addr)
	s.StartHubs()
	return s.app.Listen(s.config.Addr)
}

// StartAsync starts the web server in a goroutine. Listen errors are sent
// on the returned channel.
func (s *Server) StartAsync() <-chan error {
	errc := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Error("web server error", "err", err)
			errc <- err
		}
		close(errc)
	}()
	return errc
}

// Shutdown stops any active run, then the HTTP server and hubs.
func (s *Server) Shutdown(ctx context.Context) error {
	s.runs.stop(ctx, "")
	err := s.app.ShutdownWithContext(ctx)
	if s.hubCancel != nil {
		s.hubCancel()
	}
	return err
}

// Wait blocks until the active run, if any, has finished.
func (s *Server) Wait(ctx context.Context) {
	s.runs.wait(ctx)
}

// Status returns the current run status.
func (s *Server) Status() RunStatus {
	return s.runs.snapshot()
}

// cameraChanged tells subscribers about a new webcam configuration. It
// takes effect on the next webcam start.
func (s *Server) cameraChanged(cfg camera.Config) error {
	s.logger.Info("camera config updated",
		"device", cfg.DeviceID, "width", cfg.Width, "height", cfg.Height, "fps", cfg.Framerate)
	s.eventHub.BroadcastJSON(hub.Event{
		Type:    hub.EventCamera,
		Time:    time.Now(),
		Message: fmt.Sprintf("%dx%d@%dfps device %d", cfg.Width, cfg.Height, cfg.Framerate, cfg.DeviceID),
	})
	return nil
}

func (s *Server) tempDir() string {
	if s.config.TempDir != "" {
		return s.config.TempDir
	}
	return os.TempDir()
}

func isNoRecords(err error) bool {
	return errors.Is(err, platelog.ErrNoRecords)
}
