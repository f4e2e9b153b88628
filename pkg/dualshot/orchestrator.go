// Package dualshot emulates a stereo pair on hardware that streams one lens
// at a time: it rebinds capture to each viewpoint of the chosen pair in
// turn, waits a bounded time for that viewpoint's processed frame, fuses
// the last successful result and restores the default binding.
package dualshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-rangefinder/internal/clock"
	"github.com/teslashibe/go-rangefinder/internal/log"
	"github.com/teslashibe/go-rangefinder/pkg/camera"
	"github.com/teslashibe/go-rangefinder/pkg/depth"
	"github.com/teslashibe/go-rangefinder/pkg/detection"
	"github.com/teslashibe/go-rangefinder/pkg/geometry"
)

// Sentinel errors returned by Run.
var (
	ErrBusy          = errors.New("dualshot: a capture is already in flight")
	ErrNotBackFacing = errors.New("dualshot: only available on the back camera")
	ErrNoViewpoints  = errors.New("dualshot: no back-facing viewpoints")
	ErrNoResult      = errors.New("dualshot: no viewpoint produced a result")
)

// DefaultCaptureTimeout bounds the wait for each viewpoint's frame.
const DefaultCaptureTimeout = 1500 * time.Millisecond

// Fuser refines detection depth from two-view geometry.
type Fuser interface {
	SetReferenceSize(w, h int)
	FuseScaled(m *depth.Map, dets []detection.Detection, w, h int, scale float64) ([]detection.Detection, error)
}

// Request is the session state a run works from, captured when it starts.
type Request struct {
	Facing        geometry.Facing
	LogicalID     string // restored with the default binding
	StereoEnabled bool
	Fuser         Fuser // nil when stereo is unavailable
}

// Outcome is the published result of a run.
type Outcome struct {
	RunID       string                `json:"run_id"`
	ViewpointID string                `json:"viewpoint_id"`
	Captured    []string              `json:"captured"`
	Width       int                   `json:"width"`
	Height      int                   `json:"height"`
	Detections  []detection.Detection `json:"detections"`
	DepthMap    *depth.Map            `json:"-"`
	Fused       bool                  `json:"fused"`
	Timestamp   time.Time             `json:"timestamp"`
}

// Deps are the collaborators a run drives.
type Deps struct {
	Registry *geometry.Registry
	Cameras  geometry.CameraProvider
	Binder   camera.Binder

	// Publish receives the outcome of a run that produced a result.
	Publish func(Outcome)

	// Notify receives short user-facing notices. Optional.
	Notify func(msg string)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTimeout sets the per-viewpoint capture timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithClock sets the clock used for outcome timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithLogger sets the orchestrator logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l.With("component", "dualshot") }
}

// Orchestrator runs dual-shot captures. At most one run is active at a time.
type Orchestrator struct {
	deps    Deps
	timeout time.Duration
	clock   clock.Clock
	logger  *slog.Logger

	state   stateBox
	pending atomic.Pointer[Handoff]
}

// New creates an orchestrator.
func New(deps Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		deps:    deps,
		timeout: DefaultCaptureTimeout,
		clock:   clock.Real{},
		logger:  log.Component("dualshot"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the current state.
func (o *Orchestrator) State() State { return o.state.load() }

// Active reports whether a run is in flight.
func (o *Orchestrator) Active() bool { return o.state.load() != StateIdle }

// Pending returns the handoff awaiting a frame, or nil.
func (o *Orchestrator) Pending() *Handoff { return o.pending.Load() }

// Deliver passes a processed frame to the waiting viewpoint capture.
// It returns false when nothing is waiting for it.
func (o *Orchestrator) Deliver(r Result) bool {
	h := o.pending.Load()
	if h == nil {
		return false
	}
	return h.Deliver(r)
}

// Run performs one dual-shot capture. It returns ErrBusy without side
// effects if another run is active. The default binding is restored on
// every other path unless ctx is cancelled, in which case the run is
// abandoned.
func (o *Orchestrator) Run(ctx context.Context, req Request) (out Outcome, err error) {
	if !o.state.begin() {
		return Outcome{}, ErrBusy
	}

	runID := uuid.NewString()
	logger := o.logger.With("run", runID)
	logger.Info("dual-shot started", "facing", req.Facing, "stereo", req.StereoEnabled)

	defer func() {
		o.restore(ctx, logger, req)
		o.state.store(StateIdle)
		logger.Info("dual-shot finished", "state", StateIdle, "error", err)
	}()

	if req.Facing != geometry.FacingBack {
		o.notify("Dual-shot is only available on the back camera")
		return Outcome{}, ErrNotBackFacing
	}

	pair := o.resolvePair(ctx, logger)
	shots := pair.Shots()
	if len(shots) == 0 {
		o.notify("No back camera viewpoints available")
		return Outcome{}, ErrNoViewpoints
	}
	if pair.Kind == geometry.PairSingle {
		o.notify("No secondary viewpoint, capturing a single shot")
	}

	// Release the continuous stream before the first exclusive bind.
	if err := o.deps.Binder.Unbind(ctx); err != nil {
		logger.Warn("unbind before capture failed", "error", err)
	}

	var (
		last     *Result
		captured []string
	)
	for i, id := range shots {
		if ctx.Err() != nil {
			break
		}
		o.state.store(captureState(i))
		r, err := o.capture(ctx, logger, id)
		if err != nil {
			logger.Warn("viewpoint capture failed", "viewpoint", id, "shot", i+1, "error", err)
			continue
		}
		captured = append(captured, id)
		last = &r
	}

	if last == nil {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		return Outcome{}, ErrNoResult
	}

	o.state.store(StateFusing)
	out = Outcome{
		RunID:       runID,
		ViewpointID: last.ViewpointID,
		Captured:    captured,
		Width:       last.Width,
		Height:      last.Height,
		Detections:  last.Detections,
		DepthMap:    last.DepthMap,
		Timestamp:   o.clock.Now(),
	}
	// Fusion needs the second leg of a dual pair. A lone first view
	// stands as captured.
	secondLeg := pair.Kind == geometry.PairDual && last.ViewpointID == pair.Tele.ID
	if req.StereoEnabled && req.Fuser != nil && last.DepthMap != nil && secondLeg {
		req.Fuser.SetReferenceSize(last.Width, last.Height)
		fused, ferr := req.Fuser.FuseScaled(last.DepthMap, last.Detections, last.Width, last.Height, last.Scale)
		if ferr != nil {
			logger.Warn("fusion failed, publishing monocular depth", "error", ferr)
		} else {
			out.Detections = fused
			out.Fused = true
		}
	}

	if o.deps.Publish != nil {
		o.deps.Publish(out)
	}
	return out, nil
}

func (o *Orchestrator) resolvePair(ctx context.Context, logger *slog.Logger) geometry.Pair {
	reg := o.deps.Registry
	if reg == nil {
		return geometry.Pair{}
	}
	if reg.Len() == 0 && o.deps.Cameras != nil {
		if err := reg.Refresh(ctx, o.deps.Cameras); err != nil {
			logger.Warn("viewpoint refresh failed", "error", err)
		}
	}
	return reg.ChoosePair()
}

// capture binds viewpoint id, waits for one processed frame and unbinds.
// Panics from collaborators are converted to errors.
func (o *Orchestrator) capture(ctx context.Context, logger *slog.Logger, id string) (r Result, err error) {
	h := NewHandoff(id)
	o.pending.Store(h)

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("dualshot: viewpoint %s panicked: %v", id, p)
		}
		o.pending.CompareAndSwap(h, nil)
		if uerr := o.deps.Binder.Unbind(context.WithoutCancel(ctx)); uerr != nil {
			logger.Warn("unbind after capture failed", "viewpoint", id, "error", uerr)
		}
	}()

	if err := o.deps.Binder.BindViewpoint(ctx, id); err != nil {
		return Result{}, fmt.Errorf("bind %s: %w", id, err)
	}
	logger.Debug("viewpoint bound", "viewpoint", id)

	return h.Wait(ctx, o.timeout)
}

func (o *Orchestrator) restore(ctx context.Context, logger *slog.Logger, req Request) {
	o.state.store(StateRestoring)
	o.pending.Store(nil)

	if ctx.Err() != nil {
		logger.Info("dual-shot abandoned, default binding not restored")
		return
	}

	defer func() {
		if p := recover(); p != nil {
			logger.Error("restore panicked", "panic", p)
		}
	}()

	if err := o.deps.Binder.Unbind(ctx); err != nil {
		logger.Warn("unbind before restore failed", "error", err)
	}
	logicalID := ""
	if req.Facing == geometry.FacingBack {
		logicalID = req.LogicalID
	}
	if err := o.deps.Binder.BindDefault(ctx, req.Facing, logicalID); err != nil {
		logger.Error("restore default binding failed", "error", err)
	}
}

func (o *Orchestrator) notify(msg string) {
	if o.deps.Notify != nil {
		o.deps.Notify(msg)
	}
}
