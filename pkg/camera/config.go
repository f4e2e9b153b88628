// Package camera manages the capture side of the engine: the active facing
// and zoom, the binding of the frame stream to a camera, and a file-backed
// rig that stands in for device hardware.
package camera

import "github.com/teslashibe/go-rangefinder/pkg/geometry"

// Config holds the capture parameters that can change at runtime.
type Config struct {
	Facing    geometry.Facing `json:"facing"`
	Width     int             `json:"width"`     // Frame width in pixels, 0 keeps the source size
	Height    int             `json:"height"`    // Frame height in pixels, 0 keeps the source size
	Framerate int             `json:"framerate"` // Frames emitted per second
	ZoomRatio float64         `json:"zoom_ratio"`
}

// Limits of the capture configuration.
const (
	MaxWidth     = 4096
	MaxHeight    = 4096
	MaxFramerate = 60
)

// DefaultConfig returns the back camera at its native size, 10 fps, no zoom.
func DefaultConfig() Config {
	return Config{
		Facing:    geometry.FacingBack,
		Framerate: 10,
		ZoomRatio: 1.0,
	}
}

// Validate checks if the config values are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (c *Config) Validate() []string {
	var errors []string

	if c.Width != 0 && (c.Width < 32 || c.Width > MaxWidth) {
		errors = append(errors, "width must be 0 (native) or between 32 and 4096")
	}
	if c.Height != 0 && (c.Height < 32 || c.Height > MaxHeight) {
		errors = append(errors, "height must be 0 (native) or between 32 and 4096")
	}
	if (c.Width == 0) != (c.Height == 0) {
		errors = append(errors, "width and height must both be set or both be 0")
	}
	if c.Framerate < 1 || c.Framerate > MaxFramerate {
		errors = append(errors, "framerate must be between 1 and 60")
	}
	if c.ZoomRatio < 1.0 {
		errors = append(errors, "zoom_ratio must be at least 1.0")
	}
	switch c.Facing {
	case geometry.FacingBack, geometry.FacingFront, geometry.FacingExternal:
	default:
		errors = append(errors, "facing must be back, front, or external")
	}

	return errors
}
