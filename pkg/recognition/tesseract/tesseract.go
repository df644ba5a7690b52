// Package tesseract provides an OCR engine backed by Tesseract.
package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"

	"github.com/teslashibe/go-lpr/pkg/recognition"
)

// Config holds Tesseract settings.
type Config struct {
	Language  string // Traineddata language, e.g. "eng"
	Whitelist string // Allowed characters; empty allows all
	Lines     bool   // Report text lines instead of words
}

// DefaultConfig returns settings for Latin-script plates.
func DefaultConfig() Config {
	return Config{Language: "eng"}
}

// Engine wraps a gosseract client. The client is not safe for concurrent
// use, so calls are serialized.
type Engine struct {
	client *gosseract.Client
	level  gosseract.PageIteratorLevel
	mu     sync.Mutex
}

// New creates a Tesseract engine.
func New(cfg Config) (*Engine, error) {
	client := gosseract.NewClient()

	if err := client.SetLanguage(cfg.Language); err != nil {
		client.Close()
		return nil, fmt.Errorf("tesseract: set language %q: %w", cfg.Language, err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_SPARSE_TEXT); err != nil {
		client.Close()
		return nil, fmt.Errorf("tesseract: set page segmentation mode: %w", err)
	}
	if cfg.Whitelist != "" {
		if err := client.SetWhitelist(cfg.Whitelist); err != nil {
			client.Close()
			return nil, fmt.Errorf("tesseract: set whitelist: %w", err)
		}
	}

	level := gosseract.RIL_WORD
	if cfg.Lines {
		level = gosseract.RIL_TEXTLINE
	}
	return &Engine{client: client, level: level}, nil
}

// Read runs OCR on img and returns one fragment per recognized word (or line).
func (e *Engine) Read(_ context.Context, img *image.RGBA) ([]recognition.Fragment, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("tesseract: encode crop: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.client.SetImageFromBytes(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("tesseract: set image: %w", err)
	}
	boxes, err := e.client.GetBoundingBoxes(e.level)
	if err != nil {
		return nil, fmt.Errorf("tesseract: read text: %w", err)
	}

	var frags []recognition.Fragment
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" {
			continue
		}
		frags = append(frags, recognition.Fragment{
			Quad:       recognition.QuadFromRect(b.Box),
			Text:       text,
			Confidence: b.Confidence / 100,
		})
	}
	return frags, nil
}

// Close releases the Tesseract client.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client.Close()
}
