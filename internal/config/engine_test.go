package config

import (
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.DepthInterval != 1500*time.Millisecond {
		t.Errorf("Expected DepthInterval=1.5s, got %v", cfg.DepthInterval)
	}
	if cfg.DepthStaleness != 3*time.Second {
		t.Errorf("Expected DepthStaleness=3s, got %v", cfg.DepthStaleness)
	}
	if cfg.CaptureTimeout != 1500*time.Millisecond {
		t.Errorf("Expected CaptureTimeout=1.5s, got %v", cfg.CaptureTimeout)
	}
	if !cfg.BlurEnabled || cfg.BlurRadius != 1 {
		t.Errorf("Expected 3x3 blur enabled by default, got enabled=%v radius=%d", cfg.BlurEnabled, cfg.BlurRadius)
	}
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("Default config should validate, got %v", errs)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("RANGEFINDER_DEPTH_INTERVAL", "2s")
	t.Setenv("RANGEFINDER_STEREO", "true")
	t.Setenv("RANGEFINDER_MODEL", "Pixel 8 Pro")
	t.Setenv("RANGEFINDER_BLUR_RADIUS", "2")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if cfg.DepthInterval != 2*time.Second {
		t.Errorf("DepthInterval = %v, want 2s", cfg.DepthInterval)
	}
	if !cfg.StereoEnabled {
		t.Error("Expected StereoEnabled from env")
	}
	if cfg.Model != "Pixel 8 Pro" {
		t.Errorf("Model = %q", cfg.Model)
	}
	if cfg.BlurRadius != 2 {
		t.Errorf("BlurRadius = %d, want 2", cfg.BlurRadius)
	}
}

func TestFromEnvRejectsGarbage(t *testing.T) {
	t.Setenv("RANGEFINDER_DEPTH_STALENESS", "soon")

	if _, err := FromEnv(); err == nil {
		t.Error("Expected error for unparseable duration")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.DepthInterval = 0
	cfg.BlurRadius = 12

	errs := cfg.Validate()
	if len(errs) != 2 {
		t.Errorf("Expected 2 validation errors, got %v", errs)
	}
}
