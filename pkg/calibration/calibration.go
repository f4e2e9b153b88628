// Package calibration maps a device + lens profile to a persisted depth
// correction factor and keeps the active factor in memory.
package calibration

import (
	"math"
	"strconv"
	"strings"
)

// Scale bounds and the bounded slider used to adjust it.
const (
	MinScale     = 0.5
	MaxScale     = 2.5
	DefaultScale = 1.0

	// MaxStep is the number of discrete slider steps across [MinScale, MaxScale].
	MaxStep = 200

	// KeyPrefix namespaces calibration entries in the key-value store.
	KeyPrefix = "depth_calibration_scale_"
)

// Device identifies the hardware a calibration applies to.
type Device struct {
	Manufacturer string
	Model        string
}

// KeyFor derives the calibration key for a device and back-lens aperture.
// The aperture, when positive, is appended with two decimals so variants
// sharing a model string but not optics get separate entries.
func KeyFor(dev Device, aperture float64) string {
	var b strings.Builder
	b.WriteString(KeyPrefix)
	b.WriteString(dev.Manufacturer)
	b.WriteByte('_')
	b.WriteString(dev.Model)
	if aperture > 0 && !math.IsInf(aperture, 0) {
		b.WriteByte('_')
		b.WriteString(strconv.FormatFloat(aperture, 'f', 2, 64))
	}
	return b.String()
}

// Clamp forces scale into [MinScale, MaxScale]. NaN maps to DefaultScale.
func Clamp(scale float64) float64 {
	if math.IsNaN(scale) {
		return DefaultScale
	}
	return math.Max(MinScale, math.Min(MaxScale, scale))
}

// StepToScale converts a slider position to a scale.
func StepToScale(step int) float64 {
	if step < 0 {
		step = 0
	}
	if step > MaxStep {
		step = MaxStep
	}
	return MinScale + float64(step)/MaxStep*(MaxScale-MinScale)
}

// ScaleToStep converts a scale to the nearest slider position.
func ScaleToStep(scale float64) int {
	pct := (Clamp(scale) - MinScale) / (MaxScale - MinScale)
	return int(math.Round(pct * MaxStep))
}
