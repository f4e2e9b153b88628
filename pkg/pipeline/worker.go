package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/teslashibe/go-rangefinder/pkg/depth"
	"github.com/teslashibe/go-rangefinder/pkg/detection"
	"github.com/teslashibe/go-rangefinder/pkg/dualshot"
	"github.com/teslashibe/go-rangefinder/pkg/frame"
)

// processed is the outcome of one frame.
type processed struct {
	width, height int
	dets          []detection.Detection
	depthMap      *depth.Map
	depthSource   string
	scale         float64
	fused         bool
	at            time.Time
}

func (e *Engine) run() {
	defer e.wg.Done()
	for {
		f := e.mailbox.Next()
		if f == nil {
			return
		}
		e.handle(f)
	}
}

// handle routes one frame: to a waiting dual-shot capture, to the regular
// path, or nowhere. The frame is released on every path.
func (e *Engine) handle(f *frame.Frame) {
	defer f.Release()
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("frame processing panicked", "panic", p, "camera", f.CameraID)
		}
	}()

	if !f.Valid() {
		e.logger.Debug("invalid frame dropped", "camera", f.CameraID)
		return
	}

	if e.orch.Active() {
		h := e.orch.Pending()
		if h == nil || h.Done() || !h.Accepts(f.CameraID) {
			return
		}
		p := e.process(e.ctx, f, true)
		h.Deliver(dualshot.Result{
			ViewpointID: f.CameraID,
			Width:       p.width,
			Height:      p.height,
			Detections:  p.dets,
			DepthMap:    p.depthMap,
			Scale:       p.scale,
			Timestamp:   p.at,
		})
		return
	}

	if !e.flags.Realtime() && !e.flags.TakeSingleShot() {
		return
	}

	p := e.process(e.ctx, f, false)
	mode := ModeMono
	if p.fused {
		mode = ModeStereo
	}
	e.publish(Result{
		CameraID:   f.CameraID,
		Width:      p.width,
		Height:     p.height,
		Detections: p.dets,
		Mode:       mode,
		Depth:      p.depthSource,
		Timestamp:  p.at,
	})
}

// process runs detection and depth on f. capture frames always get a fresh
// depth map that is kept out of the cache, and are never fused here; the
// dual-shot run fuses its result.
func (e *Engine) process(ctx context.Context, f *frame.Frame, capture bool) processed {
	e.processed.Add(1)
	now := e.clock.Now()

	pix, w, h := f.Pix, f.Width, f.Height
	if rot := frame.NormalizeRotation(f.Rotation); rot != 0 && e.deps.Preprocess != nil {
		rp, rw, rh, err := e.deps.Preprocess.Rotate(pix, w, h, f.Channels, rot)
		if err != nil {
			e.logger.Warn("rotation failed, using sensor orientation", "error", err)
		} else {
			pix, w, h = rp, rw, rh
		}
	}

	fuser := e.fuser.Load()
	if fuser != nil {
		fuser.SetReferenceSize(w, h)
	}

	detInput := pix
	if e.flags.Blur() && e.cfg.BlurRadius > 0 && e.deps.Preprocess != nil {
		blurred, err := e.deps.Preprocess.BoxBlur(pix, w, h, f.Channels, e.cfg.BlurRadius)
		if err != nil {
			e.logger.Warn("blur failed, detecting on raw frame", "error", err)
		} else {
			detInput = blurred
		}
	}

	dets, err := e.deps.Detector.Detect(ctx, detInput, w, h, f.Channels)
	if err != nil {
		e.logger.Warn("detection failed, no detections this frame", "error", err)
		dets = nil
	}

	out := processed{width: w, height: h, at: now, depthSource: "none", scale: e.attacher.Scale()}
	out.depthMap, out.depthSource = e.depthFor(ctx, pix, w, h, f.Channels, now, capture)
	out.dets = depth.Attach(dets, out.depthMap, w, h, out.scale)

	if !capture && fuser != nil && out.depthMap != nil && e.flags.StereoActive() {
		fused, err := fuser.FuseScaled(out.depthMap, out.dets, w, h, out.scale)
		if err != nil {
			e.logger.Warn("stereo fusion failed", "error", err)
		} else {
			out.dets = fused
			out.fused = true
		}
	}
	return out
}

// depthFor returns the depth map for a frame at now and where it came from.
func (e *Engine) depthFor(ctx context.Context, pix []byte, w, h, channels int, now time.Time, capture bool) (*depth.Map, string) {
	decision := e.cache.Decide(now)
	if capture {
		decision = depth.RunFresh
		if disabled, _ := e.cache.Disabled(); disabled {
			decision = depth.Skip
		}
	}

	switch decision {
	case depth.UseCached:
		if m, ok := e.cache.Current(now); ok {
			return m, "cached"
		}
		return nil, "none"

	case depth.RunFresh:
		p := e.currentProvider()
		if p == nil {
			return nil, "none"
		}
		m, err := p.Estimate(ctx, pix, w, h, channels)
		if err == nil && !m.Valid() {
			err = depth.ErrInvalidMap
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, "none"
			}
			var be *depth.BackendError
			if !errors.As(err, &be) {
				err = &depth.BackendError{Backend: "monocular", Err: err}
			}
			e.cache.Fail(err)
			if cerr := e.closeProvider(); cerr != nil {
				e.logger.Warn("close failed depth provider", "error", cerr)
			}
			return nil, "none"
		}
		// Capture maps belong to another viewpoint.
		if capture {
			return m, "fresh"
		}
		if err := e.cache.Store(m, now); err != nil {
			e.logger.Warn("depth map not cached", "error", err)
			return nil, "none"
		}
		return m, "fresh"
	}
	return nil, "none"
}
