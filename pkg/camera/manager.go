package camera

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/teslashibe/go-rangefinder/pkg/geometry"
)

// Manager holds the current camera configuration and handles updates.
type Manager struct {
	config Config
	zoom   ZoomRange
	mu     sync.RWMutex

	// Callback when config changes (for applying to the bound camera)
	OnConfigChange func(cfg Config) error
}

// NewManager creates a new camera manager with default config.
func NewManager() *Manager {
	return &Manager{
		config: DefaultConfig(),
		zoom:   ZoomRange{Min: 1, Max: 1},
	}
}

// GetConfig returns the current camera configuration.
func (m *Manager) GetConfig() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Facing returns the active lens facing.
func (m *Manager) Facing() geometry.Facing {
	return m.GetConfig().Facing
}

// SetConfig updates the camera configuration. The zoom ratio is clamped to
// the bound camera's range.
func (m *Manager) SetConfig(cfg Config) error {
	if errors := cfg.Validate(); len(errors) > 0 {
		return fmt.Errorf("camera: validation failed: %v", errors)
	}

	m.mu.Lock()
	cfg.ZoomRatio = m.zoom.Clamp(cfg.ZoomRatio)
	m.config = cfg
	callback := m.OnConfigChange
	m.mu.Unlock()

	if callback != nil {
		if err := callback(cfg); err != nil {
			return fmt.Errorf("camera: apply config: %w", err)
		}
	}

	return nil
}

// SetFacing switches the active facing and resets zoom.
func (m *Manager) SetFacing(f geometry.Facing) error {
	cfg := m.GetConfig()
	cfg.Facing = f
	cfg.ZoomRatio = 1
	return m.SetConfig(cfg)
}

// SetZoomRange records the zoom range of the newly bound camera and clamps
// the current ratio into it.
func (m *Manager) SetZoomRange(r ZoomRange) {
	m.mu.Lock()
	m.zoom = r.Effective()
	m.config.ZoomRatio = m.zoom.Clamp(m.config.ZoomRatio)
	m.mu.Unlock()
}

// ZoomRange returns the effective zoom range of the bound camera.
func (m *Manager) ZoomRange() ZoomRange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.zoom
}

// SetZoomStep sets the zoom from a control position in [0, ZoomSteps] and
// returns the resulting ratio.
func (m *Manager) SetZoomStep(step int) (float64, error) {
	cfg := m.GetConfig()
	cfg.ZoomRatio = m.ZoomRange().RatioForStep(step)
	if err := m.SetConfig(cfg); err != nil {
		return 0, err
	}
	return cfg.ZoomRatio, nil
}

// ZoomStep returns the control position for the current ratio.
func (m *Manager) ZoomStep() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.zoom.StepForRatio(m.config.ZoomRatio)
}

// UpdateConfig updates specific fields of the configuration.
// Accepts a map of field names to values.
func (m *Manager) UpdateConfig(params map[string]interface{}) error {
	cfg := m.GetConfig()

	// Check for preset first
	if presetName, ok := params["preset"].(string); ok {
		preset := GetPreset(presetName)
		if preset == nil {
			return fmt.Errorf("camera: unknown preset: %s", presetName)
		}
		facing := cfg.Facing
		cfg = *preset
		cfg.Facing = facing
	}

	for key, value := range params {
		switch key {
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
		case "zoom_ratio":
			if v, ok := toFloat(value); ok {
				cfg.ZoomRatio = v
			}
		case "zoom_step":
			if v, ok := toInt(value); ok {
				cfg.ZoomRatio = m.ZoomRange().RatioForStep(v)
			}
		case "facing":
			if s, ok := value.(string); ok {
				f, err := geometry.ParseFacing(s)
				if err != nil {
					return err
				}
				cfg.Facing = f
			}
		}
	}

	return m.SetConfig(cfg)
}

// GetConfigJSON returns the current config plus zoom state as a map for
// JSON serialization.
func (m *Manager) GetConfigJSON() map[string]interface{} {
	cfg := m.GetConfig()

	data, _ := json.Marshal(cfg)
	var result map[string]interface{}
	_ = json.Unmarshal(data, &result)

	result["zoom_step"] = m.ZoomStep()
	result["zoom_range"] = m.ZoomRange()
	return result
}

// Helper functions for type conversion

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
