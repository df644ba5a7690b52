package web

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-lpr/pkg/camera"
	"github.com/teslashibe/go-lpr/pkg/detection"
	"github.com/teslashibe/go-lpr/pkg/hub"
	"github.com/teslashibe/go-lpr/pkg/pipeline"
	"github.com/teslashibe/go-lpr/pkg/platelog"
	"github.com/teslashibe/go-lpr/pkg/video"
)

// stopTimeout bounds how long a stop request waits for the frame in flight.
const stopTimeout = 30 * time.Second

// Accepted upload extensions.
var (
	imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".webp": true}
	videoExts = map[string]bool{".mp4": true, ".avi": true, ".mov": true, ".mkv": true}
)

// ImageResult is the response of POST /api/image.
type ImageResult struct {
	Detected     bool                   `json:"detected"`
	Text         string                 `json:"text,omitempty"`
	Confidence   float64                `json:"confidence,omitempty"`
	Box          *detection.BoundingBox `json:"box,omitempty"`
	Image        string                 `json:"image"` // base64 JPEG
	Warning      string                 `json:"warning,omitempty"`
	StorageError string                 `json:"storage_error,omitempty"`
}

func jsonError(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"error": msg})
}

// handleHealth reports liveness.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "ok",
		"running": s.runs.active(),
	})
}

// handleStatus returns the current run state
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.runs.snapshot())
}

// handleImage runs a single uploaded image through the pipeline.
func (s *Server) handleImage(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "multipart field \"file\" is required")
	}
	if ext := strings.ToLower(filepath.Ext(fh.Filename)); !imageExts[ext] {
		return jsonError(c, fiber.StatusBadRequest, "unsupported image type "+ext)
	}

	f, err := fh.Open()
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, err.Error())
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, err.Error())
	}

	img, err := video.DecodeImage(data)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, err.Error())
	}

	var (
		res      pipeline.Result
		storeErr error
	)
	for r, err := range s.still.Frames(c.UserContext(), pipeline.NewImageSource(img), platelog.SourceImage) {
		if err != nil && !pipeline.IsStorageError(err) {
			s.metrics.runErrors.Add(1)
			s.logger.Error("image processing failed", "file", fh.Filename, "err", err)
			return jsonError(c, fiber.StatusInternalServerError, err.Error())
		}
		res, storeErr = r, err
	}
	s.metrics.observe(res, storeErr)

	encoded, err := video.EncodeJPEG(res.Frame, s.config.JPEGQuality)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, err.Error())
	}

	out := ImageResult{
		Detected: res.Detected(),
		Image:    base64.StdEncoding.EncodeToString(encoded),
	}
	if !res.Detected() {
		out.Warning = WarnNoPlate
		return c.JSON(out)
	}

	box := res.Detection.Box
	out.Text = res.Text
	out.Confidence = res.Detection.Confidence
	out.Box = &box
	if storeErr != nil {
		out.StorageError = storeErr.Error()
	}

	s.eventHub.BroadcastJSON(hub.Event{
		Type:       hub.EventDetection,
		Time:       time.Now(),
		RunID:      res.RunID,
		Source:     string(platelog.SourceImage),
		Text:       res.Text,
		Confidence: res.Detection.Confidence,
	})
	return c.JSON(out)
}

// handleVideo saves an uploaded video to a temp file and starts a run over it.
func (s *Server) handleVideo(c *fiber.Ctx) error {
	if s.runs.active() {
		return jsonError(c, fiber.StatusConflict, pipeline.ErrRunActive.Error())
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "multipart field \"file\" is required")
	}
	ext := strings.ToLower(filepath.Ext(fh.Filename))
	if !videoExts[ext] {
		return jsonError(c, fiber.StatusBadRequest, "unsupported video type "+ext)
	}

	tmp, err := os.CreateTemp(s.tempDir(), "lpr-upload-*"+ext)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, err.Error())
	}
	path := tmp.Name()
	tmp.Close()

	remove := func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to remove upload", "path", path, "err", err)
		}
	}

	if err := c.SaveFile(fh, path); err != nil {
		remove()
		return jsonError(c, fiber.StatusInternalServerError, err.Error())
	}

	src, err := s.sources.OpenVideo(path)
	if err != nil {
		remove()
		return jsonError(c, fiber.StatusUnprocessableEntity, err.Error())
	}

	id, err := s.runs.start(platelog.SourceVideo, src, s.config.JPEGQuality, remove)
	if err != nil {
		src.Close()
		remove()
		return jsonError(c, fiber.StatusConflict, err.Error())
	}

	s.logger.Info("video run started", "run", id, "file", fh.Filename, "size", fh.Size)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"run_id": id, "mode": platelog.SourceVideo})
}

// handleWebcamStart opens the configured webcam and starts a run.
func (s *Server) handleWebcamStart(c *fiber.Ctx) error {
	// Checked before opening so a busy device is not opened twice.
	if s.runs.active() {
		return jsonError(c, fiber.StatusConflict, pipeline.ErrRunActive.Error())
	}

	cfg := s.camera.GetConfig()
	src, err := s.sources.OpenWebcam(cfg)
	if err != nil {
		return jsonError(c, fiber.StatusServiceUnavailable, err.Error())
	}

	id, err := s.runs.start(platelog.SourceWebcam, src, cfg.Quality, nil)
	if err != nil {
		src.Close()
		return jsonError(c, fiber.StatusConflict, err.Error())
	}

	s.logger.Info("webcam run started", "run", id, "device", cfg.DeviceID)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"run_id": id, "mode": platelog.SourceWebcam})
}

// handleWebcamStop stops the webcam run, if one is active.
func (s *Server) handleWebcamStop(c *fiber.Ctx) error {
	return s.stop(c, platelog.SourceWebcam)
}

// handleStop stops any active run.
func (s *Server) handleStop(c *fiber.Ctx) error {
	return s.stop(c, "")
}

func (s *Server) stop(c *fiber.Ctx, mode platelog.Source) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), stopTimeout)
	defer cancel()

	stopped := s.runs.stop(ctx, mode)
	return c.JSON(fiber.Map{
		"stopped": stopped,
		"status":  s.runs.snapshot(),
	})
}

// handleDetections returns the detection log as JSON.
func (s *Server) handleDetections(c *fiber.Ctx) error {
	records, err := s.log.Records()
	if isNoRecords(err) {
		return c.JSON(fiber.Map{"records": []platelog.Record{}, "count": 0, "warning": WarnNoDetection})
	}
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{"records": records, "count": len(records)})
}

// handleDetectionsCSV downloads the raw log file.
func (s *Server) handleDetectionsCSV(c *fiber.Ctx) error {
	var buf bytes.Buffer
	err := s.log.Export(&buf)
	if isNoRecords(err) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"warning": WarnNoDetection})
	}
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, err.Error())
	}

	c.Set(fiber.HeaderContentType, "text/csv")
	c.Attachment(platelog.DefaultPath)
	return c.Send(buf.Bytes())
}

// handleGetCamera returns the webcam configuration
func (s *Server) handleGetCamera(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"config":       s.camera.GetConfigJSON(),
		"presets":      camera.PresetNames(),
		"capabilities": camera.Capabilities(),
	})
}

// handlePutCamera applies a partial webcam configuration update.
func (s *Server) handlePutCamera(c *fiber.Ctx) error {
	var params map[string]any
	if err := c.BodyParser(&params); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid JSON body")
	}

	if err := s.camera.UpdateConfig(params); err != nil {
		var ve *camera.ValidationError
		if errors.As(err, &ve) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":    err.Error(),
				"problems": ve.Problems,
			})
		}
		return jsonError(c, fiber.StatusBadRequest, err.Error())
	}

	return c.JSON(fiber.Map{
		"config":  s.camera.GetConfigJSON(),
		"applies": "next webcam start",
	})
}

// handleMetrics exposes run counters in Prometheus text format.
func (s *Server) handleMetrics(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
	return c.SendString(s.metrics.render(s.runs.active(), s.frameHub.ClientCount()+s.eventHub.ClientCount()))
}

// handleFramesWS streams annotated JPEG frames of the active run.
func (s *Server) handleFramesWS(c *websocket.Conn) {
	hub.NewClient(s.frameHub, c).Run()
}

// handleEventsWS streams JSON run events.
func (s *Server) handleEventsWS(c *websocket.Conn) {
	// A new subscriber starts with the current status; others are not told.
	data, err := json.Marshal(statusEvent(s.runs.snapshot()))
	if err != nil {
		s.logger.Warn("failed to encode status", "err", err)
		hub.NewClient(s.eventHub, c).Run()
		return
	}
	hub.NewClient(s.eventHub, c, hub.NewJSONMessage(data)).Run()
}
