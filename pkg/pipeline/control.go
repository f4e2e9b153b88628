package pipeline

import (
	"context"
	"fmt"

	"github.com/teslashibe/go-rangefinder/pkg/calibration"
	"github.com/teslashibe/go-rangefinder/pkg/dualshot"
	"github.com/teslashibe/go-rangefinder/pkg/geometry"
	"github.com/teslashibe/go-rangefinder/pkg/stereo"
)

// SetRealtime switches continuous processing on or off.
func (e *Engine) SetRealtime(v bool) {
	e.flags.SetRealtime(v)
	e.logger.Info("realtime processing", "enabled", v)
}

// SetBlur toggles detector input smoothing.
func (e *Engine) SetBlur(v bool) {
	e.flags.SetBlur(v)
	e.logger.Info("input blur", "enabled", v)
}

// SetStereoEnabled requests stereo fusion and returns the effective value.
// While stereo is unavailable the request is refused with a notice.
func (e *Engine) SetStereoEnabled(v bool) bool {
	got := e.flags.SetStereoEnabled(v)
	if v && !got {
		e.notice("Stereo depth needs the back camera with two lenses")
	}
	e.logger.Info("stereo fusion", "requested", v, "enabled", got)
	return got
}

// DetectOnce processes a single frame while realtime processing is off.
// With stereo active it runs a dual shot instead.
func (e *Engine) DetectOnce() error {
	if e.closed.Load() {
		return ErrClosed
	}
	if e.flags.StereoActive() {
		return e.RequestDualShot()
	}
	e.flags.RequestSingleShot()
	return nil
}

// RequestDualShot starts a dual shot in the background. It returns
// dualshot.ErrBusy if one is already in flight.
func (e *Engine) RequestDualShot() error {
	if e.closed.Load() {
		return ErrClosed
	}
	if !e.started.Load() {
		return ErrNotStarted
	}
	if e.orch.Active() {
		return dualshot.ErrBusy
	}

	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.closed.Load() {
		return ErrClosed
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.RunDualShot(e.ctx); err != nil {
			e.logger.Info("dual shot ended without result", "error", err)
		}
	}()
	return nil
}

// RunDualShot performs a dual shot and waits for it. The camera binding is
// held by the run; facing changes wait until it finishes.
func (e *Engine) RunDualShot(ctx context.Context) (dualshot.Outcome, error) {
	if e.closed.Load() {
		return dualshot.Outcome{}, ErrClosed
	}
	e.rebindMu.Lock()
	defer e.rebindMu.Unlock()

	req := dualshot.Request{
		Facing:        e.deps.Camera.Facing(),
		LogicalID:     e.LogicalID(),
		StereoEnabled: e.flags.StereoActive(),
	}
	if f := e.fuser.Load(); f != nil {
		req.Fuser = f
	}
	return e.orch.Run(ctx, req)
}

// DualShotState returns the orchestrator state.
func (e *Engine) DualShotState() dualshot.State { return e.orch.State() }

// SwitchFacing changes the active lens facing and rebinds.
func (e *Engine) SwitchFacing(ctx context.Context, facing geometry.Facing) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if e.orch.Active() {
		return dualshot.ErrBusy
	}
	if err := e.deps.Camera.SetFacing(facing); err != nil {
		return err
	}
	return e.Rebind(ctx)
}

// Rebind refreshes viewpoints, rebuilds the fusion engine, selects the
// calibration profile and binds the default camera for the active facing.
func (e *Engine) Rebind(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if e.orch.Active() {
		return dualshot.ErrBusy
	}
	return e.rebind(ctx, true)
}

func (e *Engine) rebind(ctx context.Context, unbind bool) error {
	e.rebindMu.Lock()
	defer e.rebindMu.Unlock()

	facing := e.deps.Camera.Facing()
	e.refreshGeometry(ctx, facing)

	if _, err := e.activateCalibration(ctx); err != nil {
		e.logger.Warn("calibration profile load failed, using default", "error", err)
	}

	// A map from another camera must not be reused.
	e.cache.Reset()

	if unbind {
		if err := e.deps.Binder.Unbind(ctx); err != nil {
			e.logger.Warn("unbind failed", "error", err)
		}
	}
	logicalID := ""
	if facing == geometry.FacingBack {
		logicalID = e.LogicalID()
	}
	if err := e.deps.Binder.BindDefault(ctx, facing, logicalID); err != nil {
		return fmt.Errorf("pipeline: bind %s camera: %w", facing, err)
	}
	e.logger.Info("camera bound", "facing", facing, "logical_id", logicalID)
	return nil
}

// refreshGeometry re-enumerates viewpoints and replaces the fusion engine.
// Stereo is available only on the back facing with a dual pair.
func (e *Engine) refreshGeometry(ctx context.Context, facing geometry.Facing) {
	if err := e.registry.Refresh(ctx, e.deps.Cameras); err != nil {
		e.logger.Warn("viewpoint refresh failed", "error", err)
	}

	var (
		fuser     *stereo.Engine
		logicalID string
	)
	if facing == geometry.FacingBack {
		if pair := e.registry.ChoosePair(); pair.Kind == geometry.PairDual {
			f, err := stereo.New(pair, e.deps.Calibration,
				stereo.WithConfig(e.cfg.Stereo), stereo.WithLogger(e.logger))
			if err != nil {
				e.logger.Warn("stereo unavailable", "error", err)
			} else {
				fuser = f
			}
		}
		if id, ok := e.registry.ResolveMultiCameraID(ctx, e.deps.Cameras); ok {
			logicalID = id
		}
	}

	e.fuser.Store(fuser)
	e.logicalID.Store(&logicalID)

	available := fuser != nil
	if prev := e.flags.SetStereoAvailable(available); prev != available {
		e.logger.Info("stereo availability changed", "available", available, "facing", facing)
	}
	if e.deps.Notifier != nil {
		e.deps.Notifier.StereoAvailability(available)
	}
}

// LogicalID returns the logical multi-camera id for the back facing, or "".
func (e *Engine) LogicalID() string {
	if p := e.logicalID.Load(); p != nil {
		return *p
	}
	return ""
}

// CalibrationKey derives the profile key for the device and back aperture.
func (e *Engine) CalibrationKey(ctx context.Context) string {
	aperture, ok := e.registry.ResolveAperture(ctx, e.deps.Cameras)
	if !ok {
		aperture = 0
	}
	return calibration.KeyFor(e.cfg.Device, aperture)
}

func (e *Engine) activateCalibration(ctx context.Context) (float64, error) {
	return e.deps.Calibration.Activate(ctx, e.CalibrationKey(ctx))
}

// SetCalibrationScale stores a new scale for the active profile, clamped.
func (e *Engine) SetCalibrationScale(ctx context.Context, scale float64) (float64, error) {
	return e.deps.Calibration.Set(ctx, scale)
}

// SetCalibrationStep stores a new scale from a slider position.
func (e *Engine) SetCalibrationStep(ctx context.Context, step int) (float64, error) {
	return e.deps.Calibration.SetStep(ctx, step)
}

// Status is a snapshot of the engine for the control surface.
type Status struct {
	SessionID        string               `json:"session_id"`
	Facing           geometry.Facing      `json:"facing"`
	Mode             string               `json:"mode"`
	Flags            FlagSnapshot         `json:"flags"`
	DualShot         dualshot.State       `json:"dual_shot"`
	DepthDisabled    bool                 `json:"depth_disabled"`
	DepthError       string               `json:"depth_error,omitempty"`
	CalibrationKey   string               `json:"calibration_key"`
	CalibrationScale float64              `json:"calibration_scale"`
	CalibrationStep  int                  `json:"calibration_step"`
	Viewpoints       []geometry.Viewpoint `json:"viewpoints"`
	Pair             geometry.PairKind    `json:"pair"`
	LogicalID        string               `json:"logical_id,omitempty"`
	FramesSubmitted  uint64               `json:"frames_submitted"`
	FramesDropped    uint64               `json:"frames_dropped"`
	FramesProcessed  uint64               `json:"frames_processed"`
	Published        uint64               `json:"published"`
}

// Status returns the current engine state.
func (e *Engine) Status() Status {
	disabled, derr := e.cache.Disabled()
	submitted, dropped := e.mailbox.Stats()
	s := Status{
		SessionID:        e.sessionID,
		Facing:           e.deps.Camera.Facing(),
		Mode:             e.Mode(),
		Flags:            e.flags.Snapshot(),
		DualShot:         e.orch.State(),
		DepthDisabled:    disabled,
		CalibrationKey:   e.deps.Calibration.Key(),
		CalibrationScale: e.deps.Calibration.Scale(),
		CalibrationStep:  e.deps.Calibration.Step(),
		Viewpoints:       e.registry.List(),
		Pair:             e.registry.ChoosePair().Kind,
		LogicalID:        e.LogicalID(),
		FramesSubmitted:  submitted,
		FramesDropped:    dropped,
		FramesProcessed:  e.processed.Load(),
		Published:        e.seq.Load(),
	}
	if derr != nil {
		s.DepthError = derr.Error()
	}
	return s
}

// Mode returns ModeStereo when fusion is enabled, available and built.
func (e *Engine) Mode() string {
	if e.flags.StereoActive() && e.fuser.Load() != nil {
		return ModeStereo
	}
	return ModeMono
}
