// Package detection defines object detections and the detector backend interface.
package detection

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// Box is an axis-aligned bounding box in frame pixel space.
type Box struct {
	X, Y float64 // Top-left corner
	W, H float64
}

// Center returns the center point of the box.
func (b Box) Center() (x, y float64) {
	return b.X + b.W/2, b.Y + b.H/2
}

// Area returns the area of the box.
func (b Box) Area() float64 {
	return b.W * b.H
}

// DepthSource records which stage last wrote a detection's depth.
type DepthSource int

const (
	// SourceNone means no depth is attached.
	SourceNone DepthSource = iota
	// SourceMono is monocular depth scaled by the calibration factor.
	SourceMono
	// SourceStereo is monocular depth refined by the stereo fusion engine.
	SourceStereo
)

func (s DepthSource) String() string {
	switch s {
	case SourceMono:
		return "mono"
	case SourceStereo:
		return "stereo"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s DepthSource) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *DepthSource) UnmarshalText(b []byte) error {
	switch string(b) {
	case "mono":
		*s = SourceMono
	case "stereo":
		*s = SourceStereo
	case "none", "":
		*s = SourceNone
	default:
		return fmt.Errorf("detection: unknown depth source %q", b)
	}
	return nil
}

// Detection is one detected object.
type Detection struct {
	LabelID    int     `json:"label_id"`
	Label      string  `json:"label,omitempty"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`

	// Depth is nil until attached. Relative units, not metric.
	Depth       *float64    `json:"depth,omitempty"`
	DepthSource DepthSource `json:"depth_source"`
}

// HasDepth reports whether a depth value is attached.
func (d Detection) HasDepth() bool {
	return d.Depth != nil && !math.IsNaN(*d.Depth)
}

// DepthValue returns the attached depth, or 0 and false.
func (d Detection) DepthValue() (float64, bool) {
	if !d.HasDepth() {
		return 0, false
	}
	return *d.Depth, true
}

// WithDepth returns a copy of d carrying depth v from source src.
func (d Detection) WithDepth(v float64, src DepthSource) Detection {
	d.Depth = &v
	d.DepthSource = src
	return d
}

// Clone returns a deep copy of the slice, including depth pointers.
func Clone(dets []Detection) []Detection {
	if dets == nil {
		return nil
	}
	out := make([]Detection, len(dets))
	for i, d := range dets {
		if d.Depth != nil {
			v := *d.Depth
			d.Depth = &v
		}
		out[i] = d
	}
	return out
}

// Detector is the interface for object detection backends.
// The pipeline coordinator owns a Detector and is the only caller of Close.
type Detector interface {
	// Detect finds objects in a tightly packed BGR/BGRA pixel buffer.
	Detect(ctx context.Context, pix []byte, w, h, channels int) ([]Detection, error)

	// Close releases resources
	Close() error
}

// Config holds detector configuration
type Config struct {
	ModelPath        string  // Path to ONNX model
	LabelsPath       string  // One label per line; optional
	ConfidenceThresh float64 // Minimum confidence (default 0.5)
	NMSThresh        float64 // Non-maximum suppression IoU threshold
	InputWidth       int     // Model input width
	InputHeight      int     // Model input height
}

// DefaultConfig returns production defaults for YOLOv8n.
func DefaultConfig() Config {
	return Config{
		ModelPath:        "models/yolov8n.onnx",
		ConfidenceThresh: 0.5,
		NMSThresh:        0.45,
		InputWidth:       640,
		InputHeight:      640,
	}
}

// SortByDepth orders detections nearest first. Detections without depth go last.
func SortByDepth(dets []Detection) {
	sort.SliceStable(dets, func(i, j int) bool {
		av, aok := dets[i].DepthValue()
		bv, bok := dets[j].DepthValue()
		if aok != bok {
			return aok
		}
		return av < bv
	})
}
