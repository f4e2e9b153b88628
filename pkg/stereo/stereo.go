// Package stereo refines monocular detection depth with the geometry of a
// wide/tele lens pair.
//
// The focal-length spread between the two viewpoints bounds how finely a
// two-view system can resolve disparity. Fusion projects each detection's
// monocular depth onto that disparity grid: depth is mapped to normalised
// disparity u = dMin/d, snapped to the nearest of L levels, and mapped back.
// L grows with the focal spread. The projection is monotonic (ordering is
// never inverted), idempotent, and confined to the depth map's scaled range.
package stereo

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/teslashibe/go-rangefinder/internal/log"
	"github.com/teslashibe/go-rangefinder/pkg/depth"
	"github.com/teslashibe/go-rangefinder/pkg/detection"
	"github.com/teslashibe/go-rangefinder/pkg/geometry"
)

// Sentinel errors for common conditions.
var (
	// ErrNoBaseline is returned when the pair has no usable focal spread.
	ErrNoBaseline = errors.New("stereo: viewpoint pair has no focal spread")

	// ErrNoReferenceSize is returned when Fuse runs before SetReferenceSize.
	ErrNoReferenceSize = errors.New("stereo: reference size not set")

	// ErrSizeMismatch is returned when Fuse is given a frame size other than
	// the reference size.
	ErrSizeMismatch = errors.New("stereo: frame size differs from reference size")
)

// Config holds the disparity grid parameters.
type Config struct {
	LevelsPerSpread float64 // Disparity levels per unit of relative focal spread
	MinLevels       int
	MaxLevels       int
	MinDepth        float64 // Lower floor of the valid range, relative units
}

// DefaultConfig returns the production grid parameters.
func DefaultConfig() Config {
	return Config{
		LevelsPerSpread: 48,
		MinLevels:       8,
		MaxLevels:       256,
		MinDepth:        1e-3,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig overrides the grid parameters.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l.With("component", "stereo") }
}

// Engine is built for one lens pair. It is replaced, not mutated, when the
// active camera characteristics change.
type Engine struct {
	pair   geometry.Pair
	scale  depth.ScaleSource
	cfg    Config
	levels int
	logger *slog.Logger

	mu         sync.Mutex
	refW, refH int
}

// New creates an engine for pair. scale supplies the calibration factor the
// attached depths were multiplied by; nil means 1.
func New(pair geometry.Pair, scale depth.ScaleSource, opts ...Option) (*Engine, error) {
	e := &Engine{
		pair:   pair,
		scale:  scale,
		cfg:    DefaultConfig(),
		logger: log.Component("stereo"),
	}
	for _, opt := range opts {
		opt(e)
	}

	spread := pair.Spread()
	if spread <= 0 {
		return nil, fmt.Errorf("%w (%s pair, wide=%.2fmm tele=%.2fmm)",
			ErrNoBaseline, pair.Kind, pair.Wide.FocalLength, pair.Tele.FocalLength)
	}

	levels := int(math.Round(e.cfg.LevelsPerSpread * spread))
	if levels < e.cfg.MinLevels {
		levels = e.cfg.MinLevels
	}
	if e.cfg.MaxLevels > 0 && levels > e.cfg.MaxLevels {
		levels = e.cfg.MaxLevels
	}
	if levels < 1 {
		levels = 1
	}
	e.levels = levels

	e.logger.Info("stereo engine ready",
		"wide", pair.Wide.ID, "tele", pair.Tele.ID,
		"spread", spread, "levels", levels)
	return e, nil
}

// Pair returns the viewpoint pair the engine was built for.
func (e *Engine) Pair() geometry.Pair { return e.pair }

// Levels returns the number of disparity levels.
func (e *Engine) Levels() int { return e.levels }

// SetReferenceSize records the active frame size. Call it whenever the frame
// dimensions change, including width/height swaps after rotation.
func (e *Engine) SetReferenceSize(w, h int) {
	e.mu.Lock()
	if w != e.refW || h != e.refH {
		e.logger.Debug("reference size changed", "width", w, "height", h)
	}
	e.refW, e.refH = w, h
	e.mu.Unlock()
}

// ReferenceSize returns the last size set.
func (e *Engine) ReferenceSize() (w, h int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refW, e.refH
}

// Fuse returns a copy of dets with depth projected onto the disparity grid,
// using the current calibration scale.
// With a nil map or no detections the input is returned unchanged.
// Detections without depth pass through.
func (e *Engine) Fuse(m *depth.Map, dets []detection.Detection, w, h int) ([]detection.Detection, error) {
	s := 1.0
	if e.scale != nil {
		s = e.scale.Scale()
	}
	return e.FuseScaled(m, dets, w, h, s)
}

// FuseScaled is Fuse with the calibration scale the detections were
// attached with. A non-positive scale is treated as 1.
func (e *Engine) FuseScaled(m *depth.Map, dets []detection.Detection, w, h int, scale float64) ([]detection.Detection, error) {
	if !m.Valid() || len(dets) == 0 {
		return dets, nil
	}

	refW, refH := e.ReferenceSize()
	if refW <= 0 || refH <= 0 {
		return dets, ErrNoReferenceSize
	}
	if w != refW || h != refH {
		return dets, fmt.Errorf("%w: got %dx%d, reference %dx%d", ErrSizeMismatch, w, h, refW, refH)
	}

	lo, hi, ok := m.Range()
	if !ok {
		return dets, nil
	}
	s := scale
	if s <= 0 {
		s = 1
	}
	dMin := math.Max(lo*s, e.cfg.MinDepth)
	dMax := math.Max(hi*s, dMin)

	L := float64(e.levels)
	uLo := math.Ceil(dMin/dMax*L) / L

	out := detection.Clone(dets)
	for i := range out {
		d, ok := out[i].DepthValue()
		if !ok {
			continue
		}
		out[i] = out[i].WithDepth(project(d, dMin, dMax, uLo, L), detection.SourceStereo)
	}
	return out, nil
}

// project snaps d onto the disparity grid. Grid points are k/L in
// normalised disparity, and uLo is itself a grid point, so projecting a
// projected value returns it unchanged.
func project(d, dMin, dMax, uLo, L float64) float64 {
	d = math.Max(dMin, math.Min(dMax, d))
	u := dMin / d
	q := math.Round(u*L) / L
	if q < uLo {
		q = uLo
	}
	if q > 1 {
		q = 1
	}
	return dMin / q
}
