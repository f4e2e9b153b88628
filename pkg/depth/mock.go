package depth

import (
	"context"
	"sync"
	"time"
)

// Mock implements Provider for testing.
type Mock struct {
	// EstimateFunc is called when Estimate is invoked.
	EstimateFunc func(ctx context.Context, pix []byte, w, h, channels int) (*Map, error)

	// CloseFunc is called when Close is invoked.
	CloseFunc func() error

	mu     sync.Mutex
	calls  int
	closed int
}

// NewMock creates a mock provider returning a uniform map of value v sized to the frame.
func NewMock(v float32) *Mock {
	return &Mock{
		EstimateFunc: func(ctx context.Context, pix []byte, w, h, channels int) (*Map, error) {
			m := NewMap(w, h, time.Now())
			for i := range m.Values {
				m.Values[i] = v
			}
			return m, nil
		},
	}
}

// Estimate calls EstimateFunc and records the call.
func (m *Mock) Estimate(ctx context.Context, pix []byte, w, h, channels int) (*Map, error) {
	m.mu.Lock()
	m.calls++
	fn := m.EstimateFunc
	m.mu.Unlock()

	if fn == nil {
		return nil, ErrDisabled
	}
	return fn(ctx, pix, w, h, channels)
}

// Close calls CloseFunc and records the call.
func (m *Mock) Close() error {
	m.mu.Lock()
	m.closed++
	fn := m.CloseFunc
	m.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return nil
}

// Calls returns how many times Estimate was invoked.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Closed returns how many times Close was invoked.
func (m *Mock) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
