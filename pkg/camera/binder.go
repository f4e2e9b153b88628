package camera

import (
	"context"
	"errors"
	"sync"

	"github.com/teslashibe/go-rangefinder/pkg/geometry"
)

// ErrNotBound is returned when an operation needs an active binding.
var ErrNotBound = errors.New("camera: no active binding")

// Binder attaches the capture stream to a camera. Bind calls replace any
// existing binding only after Unbind; implementations are not reentrant.
type Binder interface {
	// BindDefault binds the continuous stream for facing. For back-facing
	// cameras a non-empty logicalID selects a logical multi-camera.
	BindDefault(ctx context.Context, facing geometry.Facing, logicalID string) error

	// BindViewpoint binds the stream exclusively to one physical camera.
	BindViewpoint(ctx context.Context, id string) error

	// Unbind releases the active binding. Unbinding with nothing bound is
	// not an error.
	Unbind(ctx context.Context) error
}

// BindCall records one call to a Mock binder.
type BindCall struct {
	Op     string // "default", "viewpoint" or "unbind"
	ID     string
	Facing geometry.Facing
}

// MockBinder is a Binder for testing. It records every call in order.
type MockBinder struct {
	BindDefaultFunc   func(ctx context.Context, facing geometry.Facing, logicalID string) error
	BindViewpointFunc func(ctx context.Context, id string) error
	UnbindFunc        func(ctx context.Context) error

	mu    sync.Mutex
	calls []BindCall
	bound string
}

// NewMockBinder creates a binder that accepts every call.
func NewMockBinder() *MockBinder {
	return &MockBinder{}
}

// BindDefault implements Binder.
func (m *MockBinder) BindDefault(ctx context.Context, facing geometry.Facing, logicalID string) error {
	m.record(BindCall{Op: "default", ID: logicalID, Facing: facing})
	if m.BindDefaultFunc != nil {
		if err := m.BindDefaultFunc(ctx, facing, logicalID); err != nil {
			return err
		}
	}
	m.setBound("default:" + facing.String())
	return nil
}

// BindViewpoint implements Binder.
func (m *MockBinder) BindViewpoint(ctx context.Context, id string) error {
	m.record(BindCall{Op: "viewpoint", ID: id})
	if m.BindViewpointFunc != nil {
		if err := m.BindViewpointFunc(ctx, id); err != nil {
			return err
		}
	}
	m.setBound(id)
	return nil
}

// Unbind implements Binder.
func (m *MockBinder) Unbind(ctx context.Context) error {
	m.record(BindCall{Op: "unbind"})
	if m.UnbindFunc != nil {
		if err := m.UnbindFunc(ctx); err != nil {
			return err
		}
	}
	m.setBound("")
	return nil
}

// Calls returns a copy of the recorded calls.
func (m *MockBinder) Calls() []BindCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BindCall(nil), m.calls...)
}

// Ops returns the recorded operation names, viewpoint binds as "bind:<id>".
func (m *MockBinder) Ops() []string {
	calls := m.Calls()
	ops := make([]string, len(calls))
	for i, c := range calls {
		switch c.Op {
		case "viewpoint":
			ops[i] = "bind:" + c.ID
		case "default":
			ops[i] = "default:" + c.Facing.String()
		default:
			ops[i] = c.Op
		}
	}
	return ops
}

// Bound returns the current binding, or "" when unbound.
func (m *MockBinder) Bound() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bound
}

func (m *MockBinder) record(c BindCall) {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()
}

func (m *MockBinder) setBound(s string) {
	m.mu.Lock()
	m.bound = s
	m.mu.Unlock()
}
