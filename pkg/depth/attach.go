package depth

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/teslashibe/go-rangefinder/pkg/detection"
)

// samplesPerAxis bounds the sampling grid inside each box.
const samplesPerAxis = 8

// ScaleSource supplies the current calibration scale.
type ScaleSource interface {
	Scale() float64
}

// Attacher assigns a representative depth to each detection.
type Attacher struct {
	scale ScaleSource
}

// NewAttacher creates an attacher that multiplies by scale.Scale().
// A nil source applies a scale of 1.
func NewAttacher(scale ScaleSource) *Attacher {
	return &Attacher{scale: scale}
}

// Attach returns a copy of dets with depth taken from m, in frame space
// frameW x frameH. The input slice is not modified.
func (a *Attacher) Attach(dets []detection.Detection, m *Map, frameW, frameH int) []detection.Detection {
	return Attach(dets, m, frameW, frameH, a.Scale())
}

// Scale returns the factor Attach would apply now.
func (a *Attacher) Scale() float64 {
	if a == nil || a.scale == nil {
		return 1
	}
	return a.scale.Scale()
}

// Attach is the stateless form of Attacher.Attach.
//
// The representative value is the median of an evenly spaced grid of at most
// 8x8 samples over the central half of the box (half the width, half the
// height, same center), mapped from frame space into map space. Boxes that
// fall entirely outside the map collapse onto the nearest edge pixel.
// If m is nil or invalid, dets are returned unmodified.
func Attach(dets []detection.Detection, m *Map, frameW, frameH int, scale float64) []detection.Detection {
	out := detection.Clone(dets)
	if !m.Valid() || len(out) == 0 {
		return out
	}
	if frameW <= 0 {
		frameW = m.Width
	}
	if frameH <= 0 {
		frameH = m.Height
	}

	sx := float64(m.Width) / float64(frameW)
	sy := float64(m.Height) / float64(frameH)
	buf := make([]float64, 0, samplesPerAxis*samplesPerAxis)

	for i := range out {
		v, ok := sampleBox(m, out[i].Box, sx, sy, buf[:0])
		if !ok {
			continue
		}
		out[i] = out[i].WithDepth(v*scale, detection.SourceMono)
	}
	return out
}

func sampleBox(m *Map, b detection.Box, sx, sy float64, buf []float64) (float64, bool) {
	cx, cy := b.Center()
	cx, cy = cx*sx, cy*sy
	hw := math.Abs(b.W) * sx / 4
	hh := math.Abs(b.H) * sy / 4

	x0 := clampInt(int(math.Floor(cx-hw)), 0, m.Width-1)
	x1 := clampInt(int(math.Floor(cx+hw)), 0, m.Width-1)
	y0 := clampInt(int(math.Floor(cy-hh)), 0, m.Height-1)
	y1 := clampInt(int(math.Floor(cy+hh)), 0, m.Height-1)

	for _, y := range gridSteps(y0, y1) {
		for _, x := range gridSteps(x0, x1) {
			v := m.At(x, y)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			buf = append(buf, v)
		}
	}
	if len(buf) == 0 {
		return 0, false
	}

	sort.Float64s(buf)
	return stat.Quantile(0.5, stat.Empirical, buf, nil), true
}

// gridSteps returns up to samplesPerAxis evenly spaced integers in [lo, hi].
func gridSteps(lo, hi int) []int {
	n := hi - lo + 1
	if n <= samplesPerAxis {
		steps := make([]int, n)
		for i := range steps {
			steps[i] = lo + i
		}
		return steps
	}
	steps := make([]int, samplesPerAxis)
	for i := range steps {
		steps[i] = lo + i*(n-1)/(samplesPerAxis-1)
	}
	return steps
}
