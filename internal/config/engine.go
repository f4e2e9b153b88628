// Package config provides configuration helpers for rangefinder commands.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Default engine configuration.
const (
	DefaultDepthInterval  = 1500 * time.Millisecond
	DefaultDepthStaleness = 3000 * time.Millisecond
	DefaultCaptureTimeout = 1500 * time.Millisecond
	DefaultBlurRadius     = 1
	DefaultListenPort     = "8090"
	DefaultDBPath         = "rangefinder.db"
	DefaultDetectorModel  = "models/yolov8n.onnx"
	DefaultDepthModel     = "models/midas_v21_small_256.onnx"
	DefaultLogLevel       = "info"
)

// Engine holds process-level settings for the rangefinder engine.
type Engine struct {
	// Depth timing
	DepthInterval  time.Duration // Minimum time between monocular inferences
	DepthStaleness time.Duration // Maximum age of a reusable cached depth map
	CaptureTimeout time.Duration // Per-viewpoint wait during a dual shot

	// Preprocessing
	BlurEnabled bool
	BlurRadius  int

	// Startup toggles
	Realtime      bool
	StereoEnabled bool

	// Device identity used for the calibration key
	Manufacturer string
	Model        string

	// Paths
	DBPath        string
	DetectorModel string
	DepthModel    string
	LabelsPath    string
	RigPath       string

	// Control server
	ListenPort string

	LogLevel string
}

// Default returns the engine defaults.
func Default() Engine {
	return Engine{
		DepthInterval:  DefaultDepthInterval,
		DepthStaleness: DefaultDepthStaleness,
		CaptureTimeout: DefaultCaptureTimeout,
		BlurEnabled:    true,
		BlurRadius:     DefaultBlurRadius,
		Realtime:       true,
		Manufacturer:   "generic",
		Model:          "rig",
		DBPath:         DefaultDBPath,
		DetectorModel:  DefaultDetectorModel,
		DepthModel:     DefaultDepthModel,
		ListenPort:     DefaultListenPort,
		LogLevel:       DefaultLogLevel,
	}
}

// FromEnv returns the defaults overridden by RANGEFINDER_* environment variables.
func FromEnv() (Engine, error) {
	cfg := Default()

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"RANGEFINDER_DEPTH_INTERVAL", &cfg.DepthInterval},
		{"RANGEFINDER_DEPTH_STALENESS", &cfg.DepthStaleness},
		{"RANGEFINDER_CAPTURE_TIMEOUT", &cfg.CaptureTimeout},
	}
	for _, d := range durations {
		if v := os.Getenv(d.key); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return cfg, fmt.Errorf("config: %s: %w", d.key, err)
			}
			*d.dst = parsed
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"RANGEFINDER_BLUR", &cfg.BlurEnabled},
		{"RANGEFINDER_REALTIME", &cfg.Realtime},
		{"RANGEFINDER_STEREO", &cfg.StereoEnabled},
	}
	for _, b := range bools {
		if v := os.Getenv(b.key); v != "" {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return cfg, fmt.Errorf("config: %s: %w", b.key, err)
			}
			*b.dst = parsed
		}
	}

	if v := os.Getenv("RANGEFINDER_BLUR_RADIUS"); v != "" {
		r, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: RANGEFINDER_BLUR_RADIUS: %w", err)
		}
		cfg.BlurRadius = r
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"RANGEFINDER_MANUFACTURER", &cfg.Manufacturer},
		{"RANGEFINDER_MODEL", &cfg.Model},
		{"RANGEFINDER_DB", &cfg.DBPath},
		{"RANGEFINDER_DETECTOR_MODEL", &cfg.DetectorModel},
		{"RANGEFINDER_DEPTH_MODEL", &cfg.DepthModel},
		{"RANGEFINDER_LABELS", &cfg.LabelsPath},
		{"RANGEFINDER_RIG", &cfg.RigPath},
		{"RANGEFINDER_PORT", &cfg.ListenPort},
		{"RANGEFINDER_LOG_LEVEL", &cfg.LogLevel},
	}
	for _, s := range strs {
		if v := os.Getenv(s.key); v != "" {
			*s.dst = v
		}
	}

	return cfg, nil
}

// Validate checks if the config values are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (c *Engine) Validate() []string {
	var errors []string

	if c.DepthInterval <= 0 {
		errors = append(errors, "depth interval must be positive")
	}
	if c.DepthStaleness <= 0 {
		errors = append(errors, "depth staleness must be positive")
	}
	if c.CaptureTimeout <= 0 {
		errors = append(errors, "capture timeout must be positive")
	}
	if c.BlurRadius < 0 || c.BlurRadius > 8 {
		errors = append(errors, "blur radius must be between 0 and 8")
	}
	if c.Manufacturer == "" && c.Model == "" {
		errors = append(errors, "device manufacturer or model is required")
	}

	return errors
}
