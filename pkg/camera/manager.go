package camera

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// ValidationError lists every rejected field.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "camera: invalid config: " + strings.Join(e.Problems, "; ")
}

// Manager holds the current webcam configuration and handles updates.
type Manager struct {
	config Config
	mu     sync.RWMutex

	// OnConfigChange is called after a successful update.
	OnConfigChange func(cfg Config) error
}

// NewManager creates a manager holding cfg.
func NewManager(cfg Config) *Manager {
	return &Manager{
		config: cfg,
	}
}

// GetConfig returns the current camera configuration.
func (m *Manager) GetConfig() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// SetConfig updates the camera configuration.
func (m *Manager) SetConfig(cfg Config) error {
	if errs := cfg.Validate(); len(errs) > 0 {
		return &ValidationError{Problems: errs}
	}

	m.mu.Lock()
	m.config = cfg
	callback := m.OnConfigChange
	m.mu.Unlock()

	// Notify callback if set
	if callback != nil {
		if err := callback(cfg); err != nil {
			return fmt.Errorf("camera: apply config: %w", err)
		}
	}

	return nil
}

// UpdateConfig applies a partial update decoded from JSON. A "preset" key
// replaces the whole config before the other keys are applied.
func (m *Manager) UpdateConfig(params map[string]interface{}) error {
	m.mu.Lock()
	cfg := m.config
	m.mu.Unlock()

	// Preset first, then individual overrides on top of it.
	if presetName, ok := params["preset"].(string); ok {
		preset := GetPreset(presetName)
		if preset == nil {
			return fmt.Errorf("camera: unknown preset %q", presetName)
		}
		// Keep the selected device across presets.
		preset.DeviceID = cfg.DeviceID
		cfg = *preset
	}

	for key, value := range params {
		switch key {
		case "preset":
		case "device_id":
			if v, ok := toInt(value); ok {
				cfg.DeviceID = v
			}
		case "width":
			if v, ok := toInt(value); ok {
				cfg.Width = v
			}
		case "height":
			if v, ok := toInt(value); ok {
				cfg.Height = v
			}
		case "framerate":
			if v, ok := toInt(value); ok {
				cfg.Framerate = v
			}
		case "quality":
			if v, ok := toInt(value); ok {
				cfg.Quality = v
			}
		case "brightness":
			if v, ok := toFloat(value); ok {
				cfg.Brightness = v
			}
		case "contrast":
			if v, ok := toFloat(value); ok {
				cfg.Contrast = v
			}
		case "gain":
			if v, ok := toFloat(value); ok {
				cfg.Gain = v
			}
		case "exposure":
			if v, ok := toFloat(value); ok {
				cfg.Exposure = v
			}
		case "autofocus":
			if v, ok := value.(bool); ok {
				cfg.Autofocus = v
			}
		case "warmup_frames":
			if v, ok := toInt(value); ok {
				cfg.WarmupFrames = v
			}
		default:
			return fmt.Errorf("camera: unknown setting %q", key)
		}
	}

	return m.SetConfig(cfg)
}

// GetConfigJSON returns the current config as a map for JSON serialization.
func (m *Manager) GetConfigJSON() map[string]interface{} {
	cfg := m.GetConfig()

	data, _ := json.Marshal(cfg)
	var result map[string]interface{}
	json.Unmarshal(data, &result)

	return result
}

func toInt(v interface{}) (int, bool) {
	switch val := v.(type) {
	case int:
		return val, true
	case int64:
		return int(val), true
	case float64:
		return int(val), true
	case json.Number:
		i, err := val.Int64()
		if err == nil {
			return int(i), true
		}
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		if err == nil {
			return f, true
		}
	}
	return 0, false
}
