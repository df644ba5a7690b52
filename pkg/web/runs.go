package web

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-lpr/pkg/hub"
	"github.com/teslashibe/go-lpr/pkg/pipeline"
	"github.com/teslashibe/go-lpr/pkg/platelog"
	"github.com/teslashibe/go-lpr/pkg/video"
)

// RunStatus describes the current or last video/webcam run.
type RunStatus struct {
	Running       bool      `json:"running"`
	Mode          string    `json:"mode,omitempty"`
	RunID         string    `json:"run_id,omitempty"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	Frames        int       `json:"frames"`
	Detections    int       `json:"detections"`
	StorageErrors int       `json:"storage_errors"`
	LastPlate     string    `json:"last_plate,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// runner executes at most one streaming run at a time so the detection log
// has a single appender.
type runner struct {
	ctrl    *pipeline.Controller
	frames  *hub.Hub
	events  *hub.Hub
	logger  *slog.Logger
	metrics *metrics

	mu     sync.Mutex
	status RunStatus
	cancel context.CancelFunc
	done   chan struct{}
}

func newRunner(ctrl *pipeline.Controller, frames, events *hub.Hub, m *metrics, logger *slog.Logger) *runner {
	return &runner{
		ctrl:    ctrl,
		frames:  frames,
		events:  events,
		logger:  logger,
		metrics: m,
	}
}

// start launches a run over src. cleanup runs after src is closed. The
// returned id identifies the run in status and events.
func (r *runner) start(mode platelog.Source, src pipeline.FrameSource, quality int, cleanup func()) (string, error) {
	r.mu.Lock()
	if r.status.Running {
		r.mu.Unlock()
		return "", pipeline.ErrRunActive
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(pipeline.ContextWithRunID(context.Background(), id))
	done := make(chan struct{})

	r.status = RunStatus{Running: true, Mode: string(mode), RunID: id, StartedAt: time.Now()}
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	r.broadcastStatus()
	go r.loop(ctx, id, mode, src, quality, cleanup, done)
	return id, nil
}

func (r *runner) loop(ctx context.Context, id string, mode platelog.Source, src pipeline.FrameSource, quality int, cleanup func(), done chan struct{}) {
	log := r.logger.With("run", id, "mode", mode)
	defer func() {
		if err := src.Close(); err != nil {
			log.Warn("failed to close source", "err", err)
		}
		if cleanup != nil {
			cleanup()
		}

		r.mu.Lock()
		r.status.Running = false
		r.cancel = nil
		r.mu.Unlock()

		r.broadcastStatus()
		close(done)
	}()

	for res, err := range r.ctrl.Frames(ctx, src, mode) {
		if err != nil && !pipeline.IsStorageError(err) {
			log.Error("run failed", "err", err)
			r.mu.Lock()
			r.status.Error = err.Error()
			r.mu.Unlock()
			r.metrics.runErrors.Add(1)
			r.events.BroadcastJSON(hub.Event{Type: hub.EventError, Time: time.Now(), RunID: id, Message: err.Error()})
			return
		}

		r.mu.Lock()
		r.status.Frames++
		if res.Detected() {
			r.status.Detections++
			r.status.LastPlate = res.Text
		}
		if err != nil {
			r.status.StorageErrors++
		}
		r.mu.Unlock()
		r.metrics.observe(res, err)

		if err != nil {
			r.events.BroadcastJSON(hub.Event{Type: hub.EventWarning, Time: time.Now(), RunID: id, Frame: res.Index, Message: err.Error()})
		}
		if res.Detected() {
			r.events.BroadcastJSON(hub.Event{
				Type:       hub.EventDetection,
				Time:       time.Now(),
				RunID:      id,
				Source:     string(mode),
				Frame:      res.Index,
				Text:       res.Text,
				Confidence: res.Detection.Confidence,
			})
		}

		// Encoding is skipped when nobody is watching.
		if r.frames.ClientCount() == 0 {
			continue
		}
		data, err := video.EncodeJPEG(res.Frame, quality)
		if err != nil {
			log.Warn("failed to encode frame", "frame", res.Index, "err", err)
			continue
		}
		r.frames.BroadcastBinary(data)
	}
}

// stop cancels the active run and waits until the frame in flight completes.
// It reports whether a run was active.
func (r *runner) stop(ctx context.Context, mode platelog.Source) bool {
	r.mu.Lock()
	if !r.status.Running || (mode != "" && r.status.Mode != string(mode)) {
		r.mu.Unlock()
		return false
	}
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return true
}

// wait blocks until the current run (if any) has finished.
func (r *runner) wait(ctx context.Context) {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (r *runner) active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.Running
}

func (r *runner) snapshot() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *runner) broadcastStatus() {
	r.events.BroadcastJSON(statusEvent(r.snapshot()))
}

func statusEvent(st RunStatus) hub.Event {
	running := st.Running
	return hub.Event{
		Type:    hub.EventStatus,
		Time:    time.Now(),
		RunID:   st.RunID,
		Source:  st.Mode,
		Running: &running,
		Message: st.Error,
	}
}
