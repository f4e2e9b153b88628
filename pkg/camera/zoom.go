package camera

import "math"

// ZoomSteps is the number of discrete positions on the zoom control.
const ZoomSteps = 1000

// ZoomRange is the zoom ratio range a camera reports.
type ZoomRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Effective returns the usable range: the minimum is at least 1 and the
// maximum at least the minimum.
func (r ZoomRange) Effective() ZoomRange {
	lo := math.Max(1, r.Min)
	hi := math.Max(lo, r.Max)
	return ZoomRange{Min: lo, Max: hi}
}

// Clamp limits ratio to the effective range.
func (r ZoomRange) Clamp(ratio float64) float64 {
	e := r.Effective()
	if math.IsNaN(ratio) {
		return e.Min
	}
	return math.Max(e.Min, math.Min(e.Max, ratio))
}

// RatioForStep maps a control position in [0, ZoomSteps] to a zoom ratio.
// Out-of-range positions are clamped.
func (r ZoomRange) RatioForStep(step int) float64 {
	if step < 0 {
		step = 0
	}
	if step > ZoomSteps {
		step = ZoomSteps
	}
	e := r.Effective()
	return e.Min + float64(step)/ZoomSteps*(e.Max-e.Min)
}

// StepForRatio maps a zoom ratio back to the nearest control position.
func (r ZoomRange) StepForRatio(ratio float64) int {
	e := r.Effective()
	clamped := r.Clamp(ratio)
	pct := (clamped - e.Min) / math.Max(1e-6, e.Max-e.Min)
	return int(math.Round(pct * ZoomSteps))
}
