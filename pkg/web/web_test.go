package web

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teslashibe/go-lpr/pkg/annotate"
	"github.com/teslashibe/go-lpr/pkg/camera"
	"github.com/teslashibe/go-lpr/pkg/detection"
	"github.com/teslashibe/go-lpr/pkg/hub"
	"github.com/teslashibe/go-lpr/pkg/pipeline"
	"github.com/teslashibe/go-lpr/pkg/platelog"
)

var plateBox = detection.BoundingBox{X1: 40, Y1: 30, X2: 160, Y2: 70}

type fakeDetector struct {
	found atomic.Bool
}

func (f *fakeDetector) Detect(_ context.Context, frame image.Image) (*detection.Detection, error) {
	if !f.found.Load() {
		return nil, nil
	}
	crop := frame.(interface {
		SubImage(image.Rectangle) image.Image
	}).SubImage(plateBox.Rect())
	return &detection.Detection{Box: plateBox, Confidence: 0.87, Crop: crop}, nil
}

type fakeRecognizer struct{ text string }

func (f fakeRecognizer) Recognize(context.Context, image.Image) (string, error) {
	return f.text, nil
}

// blockingSource yields nothing until its context is cancelled.
type blockingSource struct{ closed atomic.Bool }

func (b *blockingSource) Next(ctx context.Context) (image.Image, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingSource) Close() error {
	b.closed.Store(true)
	return nil
}

type sliceSource struct {
	frames []image.Image
	pos    int
}

func (s *sliceSource) Next(context.Context) (image.Image, error) {
	if s.pos >= len(s.frames) {
		return nil, io.EOF
	}
	s.pos++
	return s.frames[s.pos-1], nil
}

func (s *sliceSource) Close() error { return nil }

type fakeOpener struct {
	webcam    *blockingSource
	videoPath string
	frames    int
}

func (o *fakeOpener) OpenVideo(path string) (pipeline.FrameSource, error) {
	o.videoPath = path
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	src := &sliceSource{}
	for range o.frames {
		src.frames = append(src.frames, testFrame())
	}
	return src, nil
}

func (o *fakeOpener) OpenWebcam(camera.Config) (pipeline.FrameSource, error) {
	o.webcam = &blockingSource{}
	return o.webcam, nil
}

// logBuffer collects server logs written from handler goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	srv    *Server
	det    *fakeDetector
	opener *fakeOpener
	log    *platelog.CSVLog
	logs   *logBuffer
	tmp    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	tmp := filepath.Join(dir, "uploads")
	if err := os.Mkdir(tmp, 0o755); err != nil {
		t.Fatal(err)
	}

	det := &fakeDetector{}
	det.found.Store(true)
	rec := fakeRecognizer{text: "AB123CD"}
	plates := platelog.New(filepath.Join(dir, platelog.DefaultPath))
	opener := &fakeOpener{frames: 2}
	logs := &logBuffer{}

	srv := NewServer(Config{TempDir: tmp}, Deps{
		Stream:  pipeline.New(det, rec, plates, annotate.New(annotate.DefaultStyle())),
		Still:   pipeline.New(det, rec, plates, annotate.New(annotate.BoxOnly())),
		Log:     plates,
		Camera:  camera.NewManager(camera.DefaultConfig()),
		Sources: opener,
		Logger:  slog.New(slog.NewTextHandler(logs, nil)),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return &fixture{srv: srv, det: det, opener: opener, log: plates, logs: logs, tmp: tmp}
}

func (f *fixture) do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := f.srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("request %s %s: %v", req.Method, req.URL, err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	return resp, body
}

func testFrame() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 200, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 200; x++ {
			img.Set(x, y, color.RGBA{60, 60, 60, 255})
		}
	}
	return img
}

func uploadRequest(t *testing.T, url, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(data)
	w.Close()

	req := httptest.NewRequest(http.MethodPost, url, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, testFrame()); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func decodeJSON(t *testing.T, body []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("decode %q: %v", body, err)
	}
}

func TestImage_Detected(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, uploadRequest(t, "/api/image", "car.png", pngBytes(t)))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}

	var got ImageResult
	decodeJSON(t, body, &got)
	if !got.Detected || got.Text != "AB123CD" {
		t.Errorf("result = %+v", got)
	}
	if got.Box == nil || *got.Box != plateBox {
		t.Errorf("box = %v, want %v", got.Box, plateBox)
	}
	if got.Image == "" {
		t.Error("annotated image missing")
	}
	if got.Warning != "" {
		t.Errorf("unexpected warning %q", got.Warning)
	}

	records, err := f.log.Records()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Source != platelog.SourceImage || records[0].Plate != "AB123CD" {
		t.Errorf("records = %+v", records)
	}
}

func TestImage_NoPlate(t *testing.T) {
	f := newFixture(t)
	f.det.found.Store(false)

	resp, body := f.do(t, uploadRequest(t, "/api/image", "empty.png", pngBytes(t)))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var got ImageResult
	decodeJSON(t, body, &got)
	if got.Detected || got.Warning != WarnNoPlate {
		t.Errorf("result = %+v", got)
	}
	if _, err := f.log.Records(); err != platelog.ErrNoRecords {
		t.Errorf("log should not exist, got %v", err)
	}
}

func TestImage_BadUploads(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name     string
		filename string
		data     []byte
	}{
		{"wrong extension", "car.gif", pngBytes(t)},
		{"not an image", "car.jpg", []byte("nope")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := f.do(t, uploadRequest(t, "/api/image", tt.filename, tt.data))
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}

	resp, _ := f.do(t, httptest.NewRequest(http.MethodPost, "/api/image", nil))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing file: status = %d, want 400", resp.StatusCode)
	}
}

func TestDetectionsCSV(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, httptest.NewRequest(http.MethodGet, "/api/detections.csv", nil))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("empty log: status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), WarnNoDetection) {
		t.Errorf("body = %s", body)
	}

	f.do(t, uploadRequest(t, "/api/image", "car.png", pngBytes(t)))

	resp, body = f.do(t, httptest.NewRequest(http.MethodGet, "/api/detections.csv", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("content type = %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, platelog.DefaultPath) {
		t.Errorf("content disposition = %q", cd)
	}
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) != 2 || lines[0] != "Timestamp,Source,LicensePlate" {
		t.Errorf("csv = %q", body)
	}
	if !strings.HasSuffix(lines[1], ",image,AB123CD") {
		t.Errorf("row = %q", lines[1])
	}
}

func TestDetections(t *testing.T) {
	f := newFixture(t)

	var empty struct {
		Records []platelog.Record `json:"records"`
		Count   int               `json:"count"`
		Warning string            `json:"warning"`
	}
	_, body := f.do(t, httptest.NewRequest(http.MethodGet, "/api/detections", nil))
	decodeJSON(t, body, &empty)
	if empty.Count != 0 || empty.Warning != WarnNoDetection {
		t.Errorf("empty = %+v", empty)
	}

	f.do(t, uploadRequest(t, "/api/image", "a.png", pngBytes(t)))
	f.do(t, uploadRequest(t, "/api/image", "b.png", pngBytes(t)))

	var got struct {
		Records []platelog.Record `json:"records"`
		Count   int               `json:"count"`
	}
	_, body = f.do(t, httptest.NewRequest(http.MethodGet, "/api/detections", nil))
	decodeJSON(t, body, &got)
	if got.Count != 2 || len(got.Records) != 2 {
		t.Errorf("got %+v", got)
	}
}

func TestVideoRun(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, uploadRequest(t, "/api/video", "clip.mp4", []byte("not really a video")))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var started struct {
		RunID string `json:"run_id"`
	}
	decodeJSON(t, body, &started)
	if started.RunID == "" {
		t.Error("run id missing")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f.srv.Wait(ctx)

	st := f.srv.Status()
	if st.Running || st.RunID != started.RunID || st.Frames != 2 || st.Detections != 2 || st.LastPlate != "AB123CD" {
		t.Errorf("status = %+v", st)
	}

	records, err := f.log.Records()
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range records {
		if r.Source != platelog.SourceVideo {
			t.Errorf("source = %q", r.Source)
		}
	}
	if len(records) != 2 {
		t.Errorf("records = %d, want 2", len(records))
	}

	if _, err := os.Stat(f.opener.videoPath); !os.IsNotExist(err) {
		t.Errorf("upload %s not removed: %v", f.opener.videoPath, err)
	}
}

func TestVideo_RejectsExtension(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, uploadRequest(t, "/api/video", "clip.txt", []byte("x")))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWebcam_SingleRun(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, httptest.NewRequest(http.MethodPost, "/api/webcam/start", nil))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start: status = %d", resp.StatusCode)
	}

	resp, _ = f.do(t, httptest.NewRequest(http.MethodPost, "/api/webcam/start", nil))
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second start: status = %d, want 409", resp.StatusCode)
	}
	resp, _ = f.do(t, uploadRequest(t, "/api/video", "clip.mp4", []byte("x")))
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("video during webcam: status = %d, want 409", resp.StatusCode)
	}

	var st RunStatus
	_, body := f.do(t, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	decodeJSON(t, body, &st)
	if !st.Running || st.Mode != string(platelog.SourceWebcam) {
		t.Errorf("status = %+v", st)
	}

	var stopped struct {
		Stopped bool      `json:"stopped"`
		Status  RunStatus `json:"status"`
	}
	_, body = f.do(t, httptest.NewRequest(http.MethodPost, "/api/webcam/stop", nil))
	decodeJSON(t, body, &stopped)
	if !stopped.Stopped || stopped.Status.Running {
		t.Errorf("stop = %+v", stopped)
	}
	if !f.opener.webcam.closed.Load() {
		t.Error("webcam source not closed")
	}

	_, body = f.do(t, httptest.NewRequest(http.MethodPost, "/api/stop", nil))
	decodeJSON(t, body, &stopped)
	if stopped.Stopped {
		t.Error("stop with no active run reported stopped")
	}
}

func TestCamera(t *testing.T) {
	f := newFixture(t)

	var got struct {
		Config  map[string]any `json:"config"`
		Presets []string       `json:"presets"`
	}
	_, body := f.do(t, httptest.NewRequest(http.MethodGet, "/api/camera", nil))
	decodeJSON(t, body, &got)
	if got.Config["width"] != float64(1280) || len(got.Presets) == 0 {
		t.Errorf("camera = %+v", got)
	}

	put := func(body string) (*http.Response, []byte) {
		req := httptest.NewRequest(http.MethodPut, "/api/camera", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return f.do(t, req)
	}

	resp, body := put(`{"preset":"vga","quality":90}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if cfg := f.srv.camera.GetConfig(); cfg.Width != 640 || cfg.Quality != 90 {
		t.Errorf("config = %+v", cfg)
	}

	if logged := f.logs.String(); !strings.Contains(logged, "camera config updated") || !strings.Contains(logged, "width=640") {
		t.Errorf("config change not logged:\n%s", logged)
	}

	resp, body = put(`{"width":99999}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid width: status = %d", resp.StatusCode)
	}
	var invalid struct {
		Problems []string `json:"problems"`
	}
	decodeJSON(t, body, &invalid)
	if len(invalid.Problems) != 1 {
		t.Errorf("problems = %v", invalid.Problems)
	}

	resp, _ = put(`{"zoom":2}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown key: status = %d", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.do(t, uploadRequest(t, "/api/image", "car.png", pngBytes(t)))

	resp, _ := f.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health: status = %d", resp.StatusCode)
	}

	_, body := f.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	for _, want := range []string{
		"lpr_frames_processed_total 1",
		"lpr_plates_detected_total 1",
		"lpr_run_active 0",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestIndex(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "License Plate Recognition") {
		t.Error("index page not served")
	}
}

func TestWebsocketRequiresUpgrade(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, httptest.NewRequest(http.MethodGet, "/ws/events", nil))
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("status = %d, want 426", resp.StatusCode)
	}
}

func TestStatusEvent(t *testing.T) {
	f := newFixture(t)

	ev := statusEvent(f.srv.Status())
	if ev.Type != hub.EventStatus || ev.Running == nil || *ev.Running {
		t.Errorf("idle status = %+v", ev)
	}

	resp, body := f.do(t, httptest.NewRequest(http.MethodPost, "/api/webcam/start", nil))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start: status = %d, body %s", resp.StatusCode, body)
	}
	var started struct {
		RunID string `json:"run_id"`
	}
	decodeJSON(t, body, &started)

	ev = statusEvent(f.srv.Status())
	if ev.Running == nil || !*ev.Running || ev.RunID != started.RunID || ev.Source != string(platelog.SourceWebcam) {
		t.Errorf("running status = %+v, want run %s", ev, started.RunID)
	}
}
