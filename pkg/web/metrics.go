package web

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/teslashibe/go-lpr/pkg/pipeline"
)

type metrics struct {
	frames        atomic.Uint64
	detections    atomic.Uint64
	storageErrors atomic.Uint64
	runErrors     atomic.Uint64
}

func (m *metrics) observe(res pipeline.Result, err error) {
	m.frames.Add(1)
	if res.Detected() {
		m.detections.Add(1)
	}
	if pipeline.IsStorageError(err) {
		m.storageErrors.Add(1)
	}
}

func (m *metrics) render(running bool, clients int) string {
	active := 0
	if running {
		active = 1
	}

	var b strings.Builder
	write := func(name, kind, help string, v any) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s %s\n%s %v\n\n", name, help, name, kind, name, v)
	}
	write("lpr_frames_processed_total", "counter", "Frames run through the pipeline", m.frames.Load())
	write("lpr_plates_detected_total", "counter", "Frames with a detected plate", m.detections.Load())
	write("lpr_storage_errors_total", "counter", "Failed detection log appends", m.storageErrors.Load())
	write("lpr_run_errors_total", "counter", "Runs aborted by an error", m.runErrors.Load())
	write("lpr_run_active", "gauge", "Whether a video or webcam run is active", active)
	write("lpr_ws_clients", "gauge", "Connected websocket clients", clients)
	return b.String()
}
