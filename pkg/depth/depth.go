// Package depth holds the monocular depth map type, the backend interface,
// the stale-tolerant depth cache and the detection-depth attacher.
package depth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Sentinel errors for common conditions.
var (
	// ErrDisabled is returned once the provider has failed and been shut off.
	ErrDisabled = errors.New("depth: provider disabled for this session")

	// ErrInvalidMap is returned for maps whose buffer does not match their size.
	ErrInvalidMap = errors.New("depth: invalid depth map")

	// ErrOutOfOrder is returned when a map would replace a newer one.
	ErrOutOfOrder = errors.New("depth: map older than cached map")
)

// Map is a dense per-pixel relative depth estimate. Values are monotonic
// relative units, not metric. A Map is never partially updated.
type Map struct {
	Width     int
	Height    int
	Values    []float32 // Row-major, Width*Height
	Timestamp time.Time
}

// NewMap allocates a zero-valued map.
func NewMap(w, h int, ts time.Time) *Map {
	return &Map{Width: w, Height: h, Values: make([]float32, w*h), Timestamp: ts}
}

// Valid reports whether the buffer matches the declared size.
func (m *Map) Valid() bool {
	return m != nil && m.Width > 0 && m.Height > 0 && len(m.Values) >= m.Width*m.Height
}

// At returns the value at (x, y), clamping coordinates into the map.
func (m *Map) At(x, y int) float64 {
	x = clampInt(x, 0, m.Width-1)
	y = clampInt(y, 0, m.Height-1)
	return float64(m.Values[y*m.Width+x])
}

// Set writes v at (x, y). Out-of-range coordinates are ignored.
func (m *Map) Set(x, y int, v float32) {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return
	}
	m.Values[y*m.Width+x] = v
}

// Range returns the smallest and largest finite values in the map.
// ok is false when the map holds no finite value.
func (m *Map) Range() (lo, hi float64, ok bool) {
	if !m.Valid() {
		return 0, 0, false
	}
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range m.Values[:m.Width*m.Height] {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		lo = math.Min(lo, f)
		hi = math.Max(hi, f)
	}
	if math.IsInf(lo, 1) {
		return 0, 0, false
	}
	return lo, hi, true
}

// Provider is the interface for monocular depth backends.
// The pipeline coordinator owns a Provider and is the only caller of Close.
type Provider interface {
	// Estimate returns a depth map for a tightly packed BGR/BGRA frame.
	Estimate(ctx context.Context, pix []byte, w, h, channels int) (*Map, error)

	// Close releases resources
	Close() error
}

// BackendError wraps a provider failure with the backend name.
type BackendError struct {
	Backend string
	Err     error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	return fmt.Sprintf("depth [%s]: %v", e.Backend, e.Err)
}

// Unwrap returns the underlying error.
func (e *BackendError) Unwrap() error {
	return e.Err
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
