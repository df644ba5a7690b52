package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/teslashibe/go-lpr/pkg/annotate"
	"github.com/teslashibe/go-lpr/pkg/detection"
	"github.com/teslashibe/go-lpr/pkg/platelog"
	"github.com/teslashibe/go-lpr/pkg/recognition"
)

// fakeDetector returns det for every frame, or err.
type fakeDetector struct {
	det   *detection.Detection
	err   error
	calls int
}

func (f *fakeDetector) Detect(_ context.Context, frame image.Image) (*detection.Detection, error) {
	f.calls++
	if f.err != nil || f.det == nil {
		return nil, f.err
	}
	d := *f.det
	d.Crop = frame.(interface {
		SubImage(image.Rectangle) image.Image
	}).SubImage(d.Box.Rect())
	return &d, nil
}

// fakeEngine returns fixed fragments.
type fakeEngine struct {
	frags []recognition.Fragment
	err   error
}

func (f *fakeEngine) Read(context.Context, *image.RGBA) ([]recognition.Fragment, error) {
	return f.frags, f.err
}

func (f *fakeEngine) Close() error { return nil }

type failingSink struct{ err error }

func (f failingSink) Append(string, platelog.Source) error { return f.err }

// sliceSource yields frames then io.EOF.
type sliceSource struct {
	frames []image.Image
	pos    int
	err    error
}

func (s *sliceSource) Next(context.Context) (image.Image, error) {
	if s.pos >= len(s.frames) {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	f := s.frames[s.pos]
	s.pos++
	return f, nil
}

func (s *sliceSource) Close() error { return nil }

func frag(text string, x int) recognition.Fragment {
	return recognition.Fragment{
		Quad:       recognition.QuadFromRect(image.Rect(x, 2, x+20, 18)),
		Text:       text,
		Confidence: 0.9,
	}
}

func plateFrame() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	for i := range img.Pix {
		img.Pix[i] = 90
	}
	// White plate region.
	for y := 100; y < 140; y++ {
		for x := 80; x < 240; x++ {
			img.Set(x, y, color.White)
		}
	}
	return img
}

var plateBox = detection.BoundingBox{X1: 80, Y1: 100, X2: 240, Y2: 140}

func newCSV(t *testing.T) *platelog.CSVLog {
	t.Helper()
	ts := time.Date(2024, 6, 1, 12, 30, 45, 0, time.Local)
	return platelog.New(filepath.Join(t.TempDir(), "plates.csv"),
		platelog.WithClock(func() time.Time { return ts }))
}

func readLog(t *testing.T, l *platelog.CSVLog) string {
	t.Helper()
	data, err := os.ReadFile(l.Path())
	if errors.Is(err, os.ErrNotExist) {
		return ""
	}
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestProcess_EndToEnd(t *testing.T) {
	csv := newCSV(t)
	det := &fakeDetector{det: &detection.Detection{Box: plateBox, Confidence: 0.87}}
	rec := recognition.New(&fakeEngine{frags: []recognition.Fragment{frag("CD", 90), frag("AB123", 10)}})
	c := New(det, rec, csv, annotate.New(annotate.DefaultStyle()))

	frame := plateFrame()
	res, err := c.Process(context.Background(), frame, platelog.SourceImage)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if !res.Detected() || res.Text != "AB123 CD" {
		t.Errorf("result: detected=%v text=%q", res.Detected(), res.Text)
	}
	if res.Detection.Box != plateBox {
		t.Errorf("box: got %+v", res.Detection.Box)
	}

	got := readLog(t, csv)
	if !regexp.MustCompile(`(?m)^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2},image,AB123 CD$`).MatchString(got) {
		t.Errorf("log row missing:\n%s", got)
	}

	// Top edge of the box is drawn in the box color on the emitted frame.
	r, g, b, _ := res.Frame.At(160, 100).RGBA()
	if g>>8 < 200 || r>>8 > 60 || b>>8 > 60 {
		t.Errorf("box edge pixel: got (%d,%d,%d)", r>>8, g>>8, b>>8)
	}
	// The input frame is left untouched.
	if frame.At(160, 100) != (color.RGBA{255, 255, 255, 255}) {
		t.Error("input frame was modified")
	}
}

func TestProcess_NoDetection(t *testing.T) {
	csv := newCSV(t)
	rec := recognition.New(&fakeEngine{frags: []recognition.Fragment{frag("X", 0)}})
	c := New(&fakeDetector{}, rec, csv, annotate.New(annotate.DefaultStyle()))

	frame := plateFrame()
	res, err := c.Process(context.Background(), frame, platelog.SourceVideo)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Detected() || res.Text != "" {
		t.Errorf("result: %+v", res)
	}
	if res.Frame != image.Image(frame) {
		t.Error("expected the input frame to pass through unchanged")
	}
	if got := readLog(t, csv); got != "" {
		t.Errorf("expected no log rows, got:\n%s", got)
	}
}

func TestProcess_SentinelIsLogged(t *testing.T) {
	csv := newCSV(t)
	det := &fakeDetector{det: &detection.Detection{Box: plateBox}}
	c := New(det, recognition.New(&fakeEngine{}), csv, nil)

	res, err := c.Process(context.Background(), plateFrame(), platelog.SourceWebcam)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Text != recognition.NoTextFound {
		t.Errorf("text: got %q", res.Text)
	}
	if !strings.HasSuffix(readLog(t, csv), ",webcam,No text found\n") {
		t.Errorf("log: %q", readLog(t, csv))
	}
}

func TestProcess_Errors(t *testing.T) {
	boom := errors.New("boom")
	det := &fakeDetector{det: &detection.Detection{Box: plateBox}}
	okRec := recognition.New(&fakeEngine{frags: []recognition.Fragment{frag("A1", 0)}})

	tests := []struct {
		name      string
		c         *Controller
		inference bool
		storage   bool
		stage     string
	}{
		{
			name:      "detector failure",
			c:         New(&fakeDetector{err: boom}, okRec, newCSV(t), nil),
			inference: true,
			stage:     StageDetect,
		},
		{
			name:      "ocr failure",
			c:         New(det, recognition.New(&fakeEngine{err: boom}), newCSV(t), nil),
			inference: true,
			stage:     StageRecognize,
		},
		{
			name:    "storage failure",
			c:       New(det, okRec, failingSink{err: boom}, nil),
			storage: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tt.c.Process(context.Background(), plateFrame(), platelog.SourceImage)
			if !errors.Is(err, boom) {
				t.Fatalf("Process: got %v, want wrapped boom", err)
			}
			if IsInferenceError(err) != tt.inference || IsStorageError(err) != tt.storage {
				t.Errorf("error kind: %T %v", err, err)
			}
			var ie *InferenceError
			if errors.As(err, &ie) && ie.Stage != tt.stage {
				t.Errorf("stage: got %q, want %q", ie.Stage, tt.stage)
			}
			if tt.storage && res.Text != "A1" {
				t.Errorf("storage failure should keep the result, got %+v", res)
			}
		})
	}
}

func TestFrames_ExhaustsSource(t *testing.T) {
	csv := newCSV(t)
	det := &fakeDetector{det: &detection.Detection{Box: plateBox}}
	rec := recognition.New(&fakeEngine{frags: []recognition.Fragment{frag("A1", 0)}})
	c := New(det, rec, csv, nil)

	src := &sliceSource{frames: []image.Image{plateFrame(), plateFrame(), plateFrame()}}

	var runIDs []string
	var indexes []int
	for res, err := range c.Frames(context.Background(), src, platelog.SourceVideo) {
		if err != nil {
			t.Fatalf("Frames: %v", err)
		}
		runIDs = append(runIDs, res.RunID)
		indexes = append(indexes, res.Index)
	}

	if len(indexes) != 3 || indexes[2] != 2 {
		t.Errorf("indexes: got %v", indexes)
	}
	if runIDs[0] == "" || runIDs[0] != runIDs[2] {
		t.Errorf("run ids: got %v", runIDs)
	}
	if n := strings.Count(readLog(t, csv), ",video,A1"); n != 3 {
		t.Errorf("log rows: got %d, want 3", n)
	}
}

func TestFrames_RunIDFromContext(t *testing.T) {
	c := New(&fakeDetector{}, recognition.New(&fakeEngine{}), newCSV(t), nil)
	ctx := ContextWithRunID(context.Background(), "run-42")

	for res, err := range c.Frames(ctx, NewImageSource(plateFrame()), platelog.SourceImage) {
		if err != nil {
			t.Fatal(err)
		}
		if res.RunID != "run-42" {
			t.Errorf("RunID: got %q", res.RunID)
		}
	}
}

func TestFrames_StopBetweenFrames(t *testing.T) {
	csv := newCSV(t)
	det := &fakeDetector{det: &detection.Detection{Box: plateBox}}
	rec := recognition.New(&fakeEngine{frags: []recognition.Fragment{frag("A1", 0)}})
	c := New(det, rec, csv, nil)

	frames := make([]image.Image, 10)
	for i := range frames {
		frames[i] = plateFrame()
	}
	src := &sliceSource{frames: frames}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := 0
	for res, err := range c.Frames(ctx, src, platelog.SourceWebcam) {
		if err != nil {
			t.Fatalf("Frames: %v", err)
		}
		n++
		if res.Index == 1 {
			// Stop requested while frame 1 is being emitted.
			cancel()
		}
	}

	if n != 2 {
		t.Errorf("emitted %d frames, want 2", n)
	}
	if det.calls != 2 {
		t.Errorf("detector calls: got %d, want 2", det.calls)
	}
	if src.pos != 2 {
		t.Errorf("frames fetched: got %d, want 2", src.pos)
	}
}

func TestFrames_InferenceErrorAbortsRun(t *testing.T) {
	c := New(&fakeDetector{err: errors.New("cuda oom")}, recognition.New(&fakeEngine{}), newCSV(t), nil)
	src := &sliceSource{frames: []image.Image{plateFrame(), plateFrame()}}

	var errs []error
	for _, err := range c.Frames(context.Background(), src, platelog.SourceVideo) {
		errs = append(errs, err)
	}
	if len(errs) != 1 || !IsInferenceError(errs[0]) {
		t.Errorf("errors: got %v", errs)
	}
	if src.pos != 1 {
		t.Errorf("frames fetched: got %d, want 1", src.pos)
	}
}

func TestRun_StorageErrorContinues(t *testing.T) {
	det := &fakeDetector{det: &detection.Detection{Box: plateBox}}
	rec := recognition.New(&fakeEngine{frags: []recognition.Fragment{frag("A1", 0)}})
	c := New(det, rec, failingSink{err: errors.New("disk full")}, nil)
	src := &sliceSource{frames: []image.Image{plateFrame(), plateFrame()}}

	var storageErrs int
	err := c.Run(context.Background(), src, platelog.SourceVideo, func(_ Result, err error) {
		if IsStorageError(err) {
			storageErrs++
		}
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if storageErrs != 2 {
		t.Errorf("storage errors: got %d, want 2", storageErrs)
	}
}

func TestRun_SourceError(t *testing.T) {
	boom := errors.New("device unplugged")
	c := New(&fakeDetector{}, recognition.New(&fakeEngine{}), newCSV(t), nil)
	src := &sliceSource{frames: []image.Image{plateFrame()}, err: boom}

	emitted := 0
	err := c.Run(context.Background(), src, platelog.SourceWebcam, func(Result, error) { emitted++ })
	if !errors.Is(err, boom) {
		t.Errorf("Run: got %v, want wrapped %v", err, boom)
	}
	if emitted != 1 {
		t.Errorf("emitted: got %d, want 1", emitted)
	}
}

func TestImageSource(t *testing.T) {
	img := plateFrame()
	src := NewImageSource(img)

	got, err := src.Next(context.Background())
	if err != nil || got != image.Image(img) {
		t.Fatalf("first Next: %v", err)
	}
	if _, err := src.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("second Next: got %v, want io.EOF", err)
	}
}
