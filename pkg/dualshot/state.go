package dualshot

import "sync/atomic"

// State is the orchestrator's position in a dual-shot run.
type State int32

const (
	StateIdle State = iota
	StateCapturingView1
	StateCapturingView2
	StateFusing
	StateRestoring
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturingView1:
		return "capturing_view_1"
	case StateCapturingView2:
		return "capturing_view_2"
	case StateFusing:
		return "fusing"
	case StateRestoring:
		return "restoring"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// captureState returns the capture state for shot index i.
func captureState(i int) State {
	if i == 0 {
		return StateCapturingView1
	}
	return StateCapturingView2
}

type stateBox struct {
	v atomic.Int32
}

func (b *stateBox) load() State { return State(b.v.Load()) }

func (b *stateBox) store(s State) { b.v.Store(int32(s)) }

// begin moves Idle to CapturingView1. It fails if a run is active.
func (b *stateBox) begin() bool {
	return b.v.CompareAndSwap(int32(StateIdle), int32(StateCapturingView1))
}
