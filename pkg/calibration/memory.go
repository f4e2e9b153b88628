package calibration

import (
	"context"
	"errors"
	"sync"
)

// ErrNoProfile is returned when adjusting calibration before a profile is active.
var ErrNoProfile = errors.New("calibration: no active profile")

// Memory is an in-process Persistence.
type Memory struct {
	mu     sync.RWMutex
	values map[string]float64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]float64)}
}

// GetFloat implements Persistence.
func (m *Memory) GetFloat(_ context.Context, key string) (float64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

// PutFloat implements Persistence.
func (m *Memory) PutFloat(_ context.Context, key string, value float64) error {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	return nil
}
