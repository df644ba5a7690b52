package pipeline

import (
	"errors"
	"fmt"
)

// ErrRunActive is returned when a run is started while another is in progress.
var ErrRunActive = errors.New("pipeline: a run is already active")

// Inference stages.
const (
	StageDetect    = "detect"
	StageRecognize = "recognize"
)

// InferenceError reports a failed model or OCR call. It aborts the run.
type InferenceError struct {
	Stage string
	Frame int
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("pipeline: %s failed on frame %d: %v", e.Stage, e.Frame, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// StorageError reports a failed log append. The frame itself was processed.
type StorageError struct {
	Path string
	Text string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("pipeline: log %q: %v", e.Text, e.Err)
	}
	return fmt.Sprintf("pipeline: log %q to %s: %v", e.Text, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsInferenceError reports whether err is an InferenceError.
func IsInferenceError(err error) bool {
	var ie *InferenceError
	return errors.As(err, &ie)
}

// IsStorageError reports whether err is a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
