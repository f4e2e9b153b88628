package calibration

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/teslashibe/go-rangefinder/internal/log"
)

// Persistence is a key-value store of float values. A missing key is not an error.
type Persistence interface {
	GetFloat(ctx context.Context, key string) (value float64, ok bool, err error)
	PutFloat(ctx context.Context, key string, value float64) error
}

// Store reads and writes calibration factors and holds the active profile.
// Writes go to persistence before taking effect in memory.
type Store struct {
	p      Persistence
	logger *slog.Logger

	mu    sync.Mutex // Serialises writers
	key   atomic.Pointer[string]
	scale atomic.Uint64 // math.Float64bits of the active scale
}

// NewStore creates a store backed by p with the default scale active.
func NewStore(p Persistence) *Store {
	s := &Store{
		p:      p,
		logger: log.Component("calibration"),
	}
	s.scale.Store(math.Float64bits(DefaultScale))
	return s
}

// Load returns the persisted scale for key, or DefaultScale when absent.
// Persisted values are clamped on the way out.
func (s *Store) Load(ctx context.Context, key string) (float64, error) {
	v, ok, err := s.p.GetFloat(ctx, key)
	if err != nil {
		return DefaultScale, fmt.Errorf("calibration: load %q: %w", key, err)
	}
	if !ok {
		return DefaultScale, nil
	}
	return Clamp(v), nil
}

// Save clamps scale, persists it under key and returns the stored value.
// If key is the active profile, the in-memory scale follows.
func (s *Store) Save(ctx context.Context, key string, scale float64) (float64, error) {
	clamped := Clamp(scale)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.p.PutFloat(ctx, key, clamped); err != nil {
		return s.Scale(), fmt.Errorf("calibration: save %q: %w", key, err)
	}
	if k := s.key.Load(); k != nil && *k == key {
		s.scale.Store(math.Float64bits(clamped))
	}
	if clamped != scale {
		s.logger.Debug("calibration clamped", "requested", scale, "stored", clamped)
	}
	return clamped, nil
}

// Activate makes key the active profile and loads its scale.
func (s *Store) Activate(ctx context.Context, key string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.Load(ctx, key)
	s.key.Store(&key)
	s.scale.Store(math.Float64bits(v))
	if err != nil {
		return v, err
	}
	s.logger.Info("calibration profile active", "key", key, "scale", v)
	return v, nil
}

// Set updates the active profile's scale.
func (s *Store) Set(ctx context.Context, scale float64) (float64, error) {
	key := s.Key()
	if key == "" {
		return s.Scale(), ErrNoProfile
	}
	return s.Save(ctx, key, scale)
}

// SetStep updates the active profile from a slider position.
func (s *Store) SetStep(ctx context.Context, step int) (float64, error) {
	return s.Set(ctx, StepToScale(step))
}

// Key returns the active profile key, or "" before Activate.
func (s *Store) Key() string {
	if k := s.key.Load(); k != nil {
		return *k
	}
	return ""
}

// Scale returns the active scale. Safe for concurrent use.
func (s *Store) Scale() float64 {
	return math.Float64frombits(s.scale.Load())
}

// Step returns the slider position of the active scale.
func (s *Store) Step() int {
	return ScaleToStep(s.Scale())
}
