package dualshot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/teslashibe/go-rangefinder/pkg/depth"
	"github.com/teslashibe/go-rangefinder/pkg/detection"
)

// ErrTimeout is returned by Wait when no result arrives in time.
var ErrTimeout = errors.New("dualshot: capture timed out")

// Result is one viewpoint's processed frame.
type Result struct {
	ViewpointID string
	Width       int
	Height      int
	Detections  []detection.Detection
	DepthMap    *depth.Map // nil when depth was unavailable
	Scale       float64    // calibration scale the depths were attached with
	Timestamp   time.Time
}

// Handoff is a single-slot rendezvous between the frame worker and a
// waiting orchestrator. Exactly one of Deliver or a Wait timeout completes
// it; whichever comes second observes it already done.
type Handoff struct {
	expect string

	mu   sync.Mutex
	done bool
	ch   chan Result
}

// NewHandoff creates a handoff for frames from viewpoint id. An empty id
// accepts any frame.
func NewHandoff(id string) *Handoff {
	return &Handoff{expect: id, ch: make(chan Result, 1)}
}

// Expect returns the viewpoint id the handoff waits for.
func (h *Handoff) Expect() string { return h.expect }

// Accepts reports whether a frame from camera id would be delivered.
// A frame without a camera id never satisfies a per-viewpoint handoff.
func (h *Handoff) Accepts(id string) bool {
	return h.expect == "" || id == h.expect
}

// Deliver hands r to the waiter. It returns false if the handoff already
// completed or r came from another viewpoint.
func (h *Handoff) Deliver(r Result) bool {
	if !h.Accepts(r.ViewpointID) {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return false
	}
	h.done = true
	h.ch <- r
	return true
}

// Done reports whether the handoff has completed.
func (h *Handoff) Done() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// Wait blocks until a result is delivered, timeout elapses or ctx ends.
func (h *Handoff) Wait(ctx context.Context, timeout time.Duration) (Result, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case r := <-h.ch:
		return r, nil
	case <-timer.C:
		err = ErrTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}

	h.mu.Lock()
	if !h.done {
		h.done = true
		h.mu.Unlock()
		return Result{}, err
	}
	h.mu.Unlock()

	// Deliver won the race; the slot is already filled.
	return <-h.ch, nil
}
