package pipeline

import "sync/atomic"

// Flags holds the toggles shared between the control surface and the frame
// worker. Every field is a single atomic; no update spans two fields except
// where noted.
type Flags struct {
	realtime        atomic.Bool
	blur            atomic.Bool
	stereoEnabled   atomic.Bool
	stereoAvailable atomic.Bool
	singleShot      atomic.Bool
}

// FlagSnapshot is a point-in-time copy of Flags.
type FlagSnapshot struct {
	Realtime        bool `json:"realtime"`
	Blur            bool `json:"blur"`
	StereoEnabled   bool `json:"stereo_enabled"`
	StereoAvailable bool `json:"stereo_available"`
	SingleShot      bool `json:"single_shot_pending"`
}

// Realtime reports whether every frame is processed.
func (f *Flags) Realtime() bool { return f.realtime.Load() }

// SetRealtime switches continuous processing on or off. Turning it on
// drops any pending single-shot request.
func (f *Flags) SetRealtime(v bool) {
	f.realtime.Store(v)
	if v {
		f.singleShot.Store(false)
	}
}

// Blur reports whether detector input is smoothed.
func (f *Flags) Blur() bool { return f.blur.Load() }

// SetBlur toggles detector input smoothing.
func (f *Flags) SetBlur(v bool) { f.blur.Store(v) }

// SetStereoEnabled requests stereo fusion on or off and returns the
// effective value. Enabling fails while stereo is unavailable.
func (f *Flags) SetStereoEnabled(v bool) bool {
	if v && !f.stereoAvailable.Load() {
		f.stereoEnabled.Store(false)
		return false
	}
	f.stereoEnabled.Store(v)
	return v
}

// SetStereoAvailable records whether the active camera supports stereo.
// Losing availability forces stereo off; regaining it does not turn it on.
// Returns the previous availability.
func (f *Flags) SetStereoAvailable(v bool) bool {
	prev := f.stereoAvailable.Swap(v)
	if !v {
		f.stereoEnabled.Store(false)
	}
	return prev
}

// StereoAvailable reports whether stereo can be enabled.
func (f *Flags) StereoAvailable() bool { return f.stereoAvailable.Load() }

// StereoActive reports whether stereo is both enabled and available.
func (f *Flags) StereoActive() bool {
	return f.stereoEnabled.Load() && f.stereoAvailable.Load()
}

// RequestSingleShot asks the worker to process the next frame.
func (f *Flags) RequestSingleShot() { f.singleShot.Store(true) }

// TakeSingleShot consumes a pending single-shot request.
func (f *Flags) TakeSingleShot() bool {
	return f.singleShot.CompareAndSwap(true, false)
}

// Snapshot returns the current values.
func (f *Flags) Snapshot() FlagSnapshot {
	return FlagSnapshot{
		Realtime:        f.realtime.Load(),
		Blur:            f.blur.Load(),
		StereoEnabled:   f.StereoActive(),
		StereoAvailable: f.stereoAvailable.Load(),
		SingleShot:      f.singleShot.Load(),
	}
}
