// Package config holds the application configuration for go-lpr commands.
// Flag parsing is done in cmd/*/main.go; this package is data, environment
// loading and validation only.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/teslashibe/go-lpr/pkg/detection"
	"github.com/teslashibe/go-lpr/pkg/platelog"
)

// Default configuration values.
const (
	DefaultAddr        = ":8080"
	DefaultWeights     = "models/plate_yolov5.onnx"
	DefaultDevice      = "cpu"
	DefaultOCREngine   = EngineTesseract
	DefaultOCRLanguage = "eng"
	DefaultAWSRegion   = "us-east-1"
	DefaultLogLevel    = "info"
	DefaultMaxUploadMB = 256
)

// OCR engine names.
const (
	EngineTesseract   = "tesseract"
	EngineRekognition = "rekognition"
)

// Config holds all configuration for the recognizer binaries.
type Config struct {
	// HTTP listen address of the web UI.
	Addr string

	// Detector model.
	Weights             string
	Device              string // "cpu", "cuda" or "opencl"
	ImageSize           int
	ConfidenceThreshold float64
	IoUThreshold        float64
	Layout              string // "yolov5" or "yolov8"

	// OCR.
	OCREngine    string
	OCRLanguage  string
	OCRWhitelist string
	AWSRegion    string

	// Detection log.
	LogPath     string
	PostgresDSN string // empty disables the mirror

	// Webcam device index for the default camera config.
	WebcamDevice int

	// MaxUploadMB bounds image and video uploads.
	MaxUploadMB int

	LogLevel string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	det := detection.DefaultConfig()
	return Config{
		Addr:                DefaultAddr,
		Weights:             DefaultWeights,
		Device:              DefaultDevice,
		ImageSize:           det.ImageSize,
		ConfidenceThreshold: float64(det.ConfidenceThreshold),
		IoUThreshold:        float64(det.IoUThreshold),
		Layout:              string(det.Layout),
		OCREngine:           DefaultOCREngine,
		OCRLanguage:         DefaultOCRLanguage,
		AWSRegion:           DefaultAWSRegion,
		LogPath:             platelog.DefaultPath,
		MaxUploadMB:         DefaultMaxUploadMB,
		LogLevel:            DefaultLogLevel,
	}
}

// LoadEnv loads .env files (default ".env"; missing files are ignored) and
// then applies environment overrides. Call this before flag parsing so flags
// win over the environment.
func (c *Config) LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("LPR_ADDR", &c.Addr)
	str("LPR_WEIGHTS", &c.Weights)
	str("LPR_DEVICE", &c.Device)
	str("LPR_MODEL_LAYOUT", &c.Layout)
	str("LPR_OCR_ENGINE", &c.OCREngine)
	str("LPR_OCR_LANGUAGE", &c.OCRLanguage)
	str("LPR_OCR_WHITELIST", &c.OCRWhitelist)
	str("AWS_REGION", &c.AWSRegion)
	str("LPR_LOG_PATH", &c.LogPath)
	str("LPR_POSTGRES_DSN", &c.PostgresDSN)
	str("LOG_LEVEL", &c.LogLevel)

	var errs []error
	integer := func(key string, dst *int) {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, &ConfigError{Field: key, Message: fmt.Sprintf("%s must be an integer, got %q", key, v)})
			return
		}
		*dst = n
	}
	float := func(key string, dst *float64) {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, &ConfigError{Field: key, Message: fmt.Sprintf("%s must be a number, got %q", key, v)})
			return
		}
		*dst = f
	}
	integer("LPR_IMAGE_SIZE", &c.ImageSize)
	integer("LPR_WEBCAM_DEVICE", &c.WebcamDevice)
	integer("LPR_MAX_UPLOAD_MB", &c.MaxUploadMB)
	float("LPR_CONF_THRESHOLD", &c.ConfidenceThreshold)
	float("LPR_IOU_THRESHOLD", &c.IoUThreshold)

	return errors.Join(errs...)
}

// Validate checks value ranges and engine requirements.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return &ConfigError{Field: "Addr", Message: "listen address is required"}
	}
	if c.Weights == "" {
		return &ConfigError{Field: "Weights", Message: "LPR_WEIGHTS (model weights path) is required"}
	}
	switch strings.ToLower(c.Device) {
	case "cpu", "cuda", "opencl":
	default:
		return &ConfigError{Field: "Device", Message: fmt.Sprintf("device must be cpu, cuda or opencl, got %q", c.Device)}
	}
	if err := c.DetectorConfig().Validate(); err != nil {
		return &ConfigError{Field: "Detector", Message: err.Error()}
	}
	if _, err := detection.ParseLayout(c.Layout); err != nil {
		return &ConfigError{Field: "Layout", Message: err.Error()}
	}
	switch c.OCREngine {
	case EngineTesseract:
		if c.OCRLanguage == "" {
			return &ConfigError{Field: "OCRLanguage", Message: "LPR_OCR_LANGUAGE is required for tesseract"}
		}
	case EngineRekognition:
		if c.AWSRegion == "" {
			return &ConfigError{Field: "AWSRegion", Message: "AWS_REGION is required for rekognition"}
		}
	default:
		return &ConfigError{Field: "OCREngine", Message: fmt.Sprintf("ocr engine must be tesseract or rekognition, got %q", c.OCREngine)}
	}
	if c.LogPath == "" {
		return &ConfigError{Field: "LogPath", Message: "LPR_LOG_PATH is required"}
	}
	if c.WebcamDevice < 0 {
		return &ConfigError{Field: "WebcamDevice", Message: "LPR_WEBCAM_DEVICE must be >= 0"}
	}
	if c.MaxUploadMB < 1 {
		return &ConfigError{Field: "MaxUploadMB", Message: "LPR_MAX_UPLOAD_MB must be >= 1"}
	}
	return nil
}

// DetectorConfig converts the model settings to a detector config.
// An unknown layout is passed through and rejected by Validate.
func (c *Config) DetectorConfig() detection.Config {
	cfg := detection.DefaultConfig()
	cfg.ImageSize = c.ImageSize
	cfg.ConfidenceThreshold = float32(c.ConfidenceThreshold)
	cfg.IoUThreshold = float32(c.IoUThreshold)
	if layout, err := detection.ParseLayout(c.Layout); err == nil {
		cfg.Layout = layout
	}
	return cfg
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}
