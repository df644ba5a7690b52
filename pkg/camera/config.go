// Package camera provides runtime-configurable webcam settings.
// Changes are validated by the Manager and picked up by the next webcam run.
package camera

// Config holds webcam capture parameters.
type Config struct {
	// DeviceID is the capture device index passed to OpenCV.
	DeviceID int `json:"device_id"`

	// === Resolution ===
	Width     int `json:"width"`     // Requested frame width in pixels
	Height    int `json:"height"`    // Requested frame height in pixels
	Framerate int `json:"framerate"` // Requested FPS
	Quality   int `json:"quality"`   // JPEG quality of streamed frames, 1-100

	// === Image controls ===
	// Zero leaves the driver default in place.
	Brightness float64 `json:"brightness"` // 0.0 to 1.0
	Contrast   float64 `json:"contrast"`   // 0.0 to 1.0
	Gain       float64 `json:"gain"`       // 0.0 to 1.0

	// Exposure is the driver exposure value; 0 keeps auto exposure.
	Exposure float64 `json:"exposure"`

	// Autofocus toggles continuous autofocus where supported.
	Autofocus bool `json:"autofocus"`

	// WarmupFrames are read and dropped after opening while the sensor settles.
	WarmupFrames int `json:"warmup_frames"`
}

// Capture limits accepted by Validate.
const (
	MaxWidth     = 3840
	MaxHeight    = 2160
	MaxFramerate = 120
	MaxWarmup    = 120
)

// DefaultConfig returns 720p at 30 FPS on the first device.
// Plates stay legible at 720p without slowing the detector down.
func DefaultConfig() Config {
	return Config{
		DeviceID:     0,
		Width:        1280,
		Height:       720,
		Framerate:    30,
		Quality:      80,
		Autofocus:    true,
		WarmupFrames: 5,
	}
}

// VGAConfig returns the 640x480 configuration for older webcams.
func VGAConfig() Config {
	cfg := DefaultConfig()
	cfg.Width = 640
	cfg.Height = 480
	return cfg
}

// Validate checks if the config values are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (c *Config) Validate() []string {
	var errors []string

	if c.DeviceID < 0 {
		errors = append(errors, "device_id must be >= 0")
	}
	if c.Width < 160 || c.Width > MaxWidth {
		errors = append(errors, "width must be between 160 and 3840")
	}
	if c.Height < 120 || c.Height > MaxHeight {
		errors = append(errors, "height must be between 120 and 2160")
	}
	if c.Framerate < 1 || c.Framerate > MaxFramerate {
		errors = append(errors, "framerate must be between 1 and 120")
	}
	if c.Quality < 1 || c.Quality > 100 {
		errors = append(errors, "quality must be between 1 and 100")
	}

	for _, f := range []struct {
		name  string
		value float64
	}{
		{"brightness", c.Brightness},
		{"contrast", c.Contrast},
		{"gain", c.Gain},
	} {
		if f.value < 0 || f.value > 1 {
			errors = append(errors, f.name+" must be between 0.0 and 1.0")
		}
	}

	if c.Exposure < 0 {
		errors = append(errors, "exposure must be 0 (auto) or positive")
	}
	if c.WarmupFrames < 0 || c.WarmupFrames > MaxWarmup {
		errors = append(errors, "warmup_frames must be between 0 and 120")
	}

	return errors
}

// Capabilities describes the accepted ranges.
func Capabilities() map[string]any {
	return map[string]any{
		"max_width":     MaxWidth,
		"max_height":    MaxHeight,
		"max_framerate": MaxFramerate,
		"max_warmup":    MaxWarmup,
		"presets":       PresetNames(),
	}
}
