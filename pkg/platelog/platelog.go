// Package platelog records recognized plates to an append-only CSV log.
package platelog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// TimeLayout is the timestamp format of every log row.
const TimeLayout = "2006-01-02 15:04:05"

// DefaultPath is the log file used when none is configured.
const DefaultPath = "detected_plates.csv"

// Header is the first row of every log file.
var Header = []string{"Timestamp", "Source", "LicensePlate"}

// ErrNoRecords is returned when the log file has not been created yet.
var ErrNoRecords = errors.New("platelog: no plates detected yet")

// Source identifies where a frame came from.
type Source string

const (
	SourceImage  Source = "image"
	SourceVideo  Source = "video"
	SourceWebcam Source = "webcam"
)

// ParseSource parses a source kind.
func ParseSource(s string) (Source, error) {
	switch Source(strings.ToLower(strings.TrimSpace(s))) {
	case SourceImage:
		return SourceImage, nil
	case SourceVideo:
		return SourceVideo, nil
	case SourceWebcam:
		return SourceWebcam, nil
	}
	return "", fmt.Errorf("platelog: unknown source %q", s)
}

// Record is one log row.
type Record struct {
	Time   time.Time `json:"time"`
	Source Source    `json:"source"`
	Plate  string    `json:"plate"`
}

// Sink receives records. Implementations surface storage failures.
type Sink interface {
	Append(text string, source Source) error
}

// CSVLog is the process-wide detection log.
type CSVLog struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// Option configures a CSVLog.
type Option func(*CSVLog)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *CSVLog) { l.now = now }
}

// New returns a log writing to path. The file is created on first Append.
func New(path string, opts ...Option) *CSVLog {
	if path == "" {
		path = DefaultPath
	}
	l := &CSVLog{path: path, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the log file path.
func (l *CSVLog) Path() string {
	return l.path
}

// Append writes one row, preceded by the header when the file is new.
// The text is written verbatim, sentinels included.
func (l *CSVLog) Append(text string, source Source) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, statErr := os.Stat(l.path)
	exists := statErr == nil

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("platelog: open %s: %w", l.path, err)
	}

	w := csv.NewWriter(f)
	if !exists {
		w.Write(Header)
	}
	w.Write([]string{l.now().Format(TimeLayout), string(source), text})
	w.Flush()

	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("platelog: write %s: %w", l.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("platelog: close %s: %w", l.path, err)
	}
	return nil
}

// Records reads every data row in file order.
func (l *CSVLog) Records() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoRecords
	}
	if err != nil {
		return nil, fmt.Errorf("platelog: open %s: %w", l.path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(Header)

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("platelog: read %s: %w", l.path, err)
	}

	var out []Record
	for i, row := range rows {
		if i == 0 && row[0] == Header[0] {
			continue
		}
		ts, err := time.ParseInLocation(TimeLayout, row[0], time.Local)
		if err != nil {
			return nil, fmt.Errorf("platelog: row %d: %w", i+1, err)
		}
		out = append(out, Record{Time: ts, Source: Source(row[1]), Plate: row[2]})
	}
	return out, nil
}

// Export copies the raw log file to w.
func (l *CSVLog) Export(w io.Writer) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNoRecords
	}
	if err != nil {
		return fmt.Errorf("platelog: open %s: %w", l.path, err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("platelog: export %s: %w", l.path, err)
	}
	return nil
}

// Tee fans a record out to a primary sink and best-effort mirrors. Only the
// primary's error is returned; mirror errors go to onMirrorErr.
func Tee(primary Sink, onMirrorErr func(error), mirrors ...Sink) Sink {
	return &tee{primary: primary, mirrors: mirrors, onErr: onMirrorErr}
}

type tee struct {
	primary Sink
	mirrors []Sink
	onErr   func(error)
}

// Path returns the primary's path when it has one.
func (t *tee) Path() string {
	if p, ok := t.primary.(interface{ Path() string }); ok {
		return p.Path()
	}
	return ""
}

func (t *tee) Append(text string, source Source) error {
	if err := t.primary.Append(text, source); err != nil {
		return err
	}
	for _, m := range t.mirrors {
		if err := m.Append(text, source); err != nil && t.onErr != nil {
			t.onErr(err)
		}
	}
	return nil
}
