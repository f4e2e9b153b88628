// Package geometry centralises camera characteristics: it enumerates
// back-facing viewpoints, picks the dual-shot lens pair and resolves the
// identifiers the rest of the engine needs, so nothing else queries
// hardware directly.
package geometry

import (
	"context"
	"fmt"
	"strings"
)

// Facing is the direction a lens points relative to the device screen.
type Facing int

const (
	FacingBack Facing = iota
	FacingFront
	FacingExternal
)

func (f Facing) String() string {
	switch f {
	case FacingBack:
		return "back"
	case FacingFront:
		return "front"
	default:
		return "external"
	}
}

// ParseFacing maps "back", "front" and "external" to a Facing.
func ParseFacing(s string) (Facing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "back", "rear":
		return FacingBack, nil
	case "front", "user":
		return FacingFront, nil
	case "external":
		return FacingExternal, nil
	}
	return FacingBack, fmt.Errorf("geometry: unknown facing %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (f Facing) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Facing) UnmarshalText(b []byte) error {
	v, err := ParseFacing(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// CameraInfo is what a camera provider reports for one camera.
// Providers may list several candidate focal lengths and apertures; the
// first entry of each is authoritative.
type CameraInfo struct {
	ID           string    `json:"id"`
	Facing       Facing    `json:"facing"`
	FocalLengths []float64 `json:"focal_lengths"`
	Apertures    []float64 `json:"apertures"`
	PhysicalIDs  []string  `json:"physical_ids,omitempty"`
}

// CameraProvider enumerates the device's cameras.
type CameraProvider interface {
	Cameras(ctx context.Context) ([]CameraInfo, error)
}

// StaticProvider is a CameraProvider over a fixed list.
type StaticProvider []CameraInfo

// Cameras implements CameraProvider.
func (p StaticProvider) Cameras(context.Context) ([]CameraInfo, error) {
	out := make([]CameraInfo, len(p))
	copy(out, p)
	return out, nil
}

// Viewpoint is one back-facing lens as seen by the engine.
type Viewpoint struct {
	ID          string   `json:"id"`
	FocalLength float64  `json:"focal_length_mm"`
	Aperture    float64  `json:"aperture,omitempty"`
	Facing      Facing   `json:"facing"`
	PhysicalIDs []string `json:"physical_ids,omitempty"`
}

func viewpointFrom(c CameraInfo) Viewpoint {
	v := Viewpoint{ID: c.ID, Facing: c.Facing}
	if len(c.FocalLengths) > 0 {
		v.FocalLength = c.FocalLengths[0]
	}
	if len(c.Apertures) > 0 {
		v.Aperture = c.Apertures[0]
	}
	if len(c.PhysicalIDs) > 0 {
		v.PhysicalIDs = append([]string(nil), c.PhysicalIDs...)
	}
	return v
}

// PairKind classifies the outcome of pair selection.
type PairKind int

const (
	PairNone PairKind = iota
	PairSingle
	PairDual
)

func (k PairKind) String() string {
	switch k {
	case PairSingle:
		return "single"
	case PairDual:
		return "dual"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k PairKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Pair is the viewpoint pair used for a dual shot. For PairSingle, Wide
// and Tele are the same viewpoint.
type Pair struct {
	Kind PairKind
	Wide Viewpoint
	Tele Viewpoint
}

// Shots returns the camera ids to capture, in order. A single pair
// degenerates to one capture.
func (p Pair) Shots() []string {
	switch p.Kind {
	case PairDual:
		return []string{p.Wide.ID, p.Tele.ID}
	case PairSingle:
		return []string{p.Wide.ID}
	default:
		return nil
	}
}

// Spread is the relative focal-length spread (tele-wide)/wide, used as a
// baseline proxy. Zero unless the pair is dual with known focal lengths.
func (p Pair) Spread() float64 {
	if p.Kind != PairDual || p.Wide.FocalLength <= 0 || p.Tele.FocalLength <= p.Wide.FocalLength {
		return 0
	}
	return (p.Tele.FocalLength - p.Wide.FocalLength) / p.Wide.FocalLength
}
