package camera

// Preset names for common configurations
const (
	PresetDefault = "default"
	PresetVGA     = "vga"
	Preset1080p   = "1080p"
	PresetNight   = "night"
	PresetGate    = "gate"
)

// Presets returns all available preset configurations.
func Presets() map[string]Config {
	return map[string]Config{
		PresetDefault: DefaultConfig(),
		PresetVGA:     VGAConfig(),
		Preset1080p:   HD1080Config(),
		PresetNight:   NightModeConfig(),
		PresetGate:    GateConfig(),
	}
}

// PresetNames returns the list of available preset names.
func PresetNames() []string {
	return []string{
		PresetDefault,
		PresetVGA,
		Preset1080p,
		PresetNight,
		PresetGate,
	}
}

// GetPreset returns a preset config by name, or nil if not found.
func GetPreset(name string) *Config {
	if cfg, ok := Presets()[name]; ok {
		return &cfg
	}
	return nil
}

// HD1080Config returns 1080p for plates far from the camera.
func HD1080Config() Config {
	cfg := DefaultConfig()
	cfg.Width = 1920
	cfg.Height = 1080
	return cfg
}

// NightModeConfig trades framerate for exposure and gain.
func NightModeConfig() Config {
	cfg := DefaultConfig()
	cfg.Framerate = 15
	cfg.Gain = 0.8
	cfg.Brightness = 0.6
	cfg.WarmupFrames = 15
	return cfg
}

// GateConfig suits a fixed camera at a barrier: close range, fixed focus.
func GateConfig() Config {
	cfg := VGAConfig()
	cfg.Framerate = 15
	cfg.Autofocus = false
	cfg.Contrast = 0.6
	return cfg
}
