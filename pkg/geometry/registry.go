package geometry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/teslashibe/go-rangefinder/internal/log"
)

// Registry holds the back-facing viewpoints, sorted ascending by focal length.
// The list is replaced wholesale by Refresh and never mutated in place.
type Registry struct {
	logger *slog.Logger

	mu   sync.RWMutex
	list []Viewpoint
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{logger: log.Component("geometry")}
}

// NewRegistryFrom creates a registry over a synthetic viewpoint list.
func NewRegistryFrom(vps []Viewpoint) *Registry {
	r := NewRegistry()
	r.set(vps)
	return r
}

// Refresh rebuilds the viewpoint list from the provider's back-facing cameras.
// On error the list is emptied.
func (r *Registry) Refresh(ctx context.Context, p CameraProvider) error {
	cams, err := p.Cameras(ctx)
	if err != nil {
		r.set(nil)
		return fmt.Errorf("geometry: enumerate cameras: %w", err)
	}

	var vps []Viewpoint
	for _, c := range cams {
		if c.Facing != FacingBack {
			continue
		}
		vps = append(vps, viewpointFrom(c))
	}
	r.set(vps)

	r.logger.Debug("viewpoints refreshed", "back_cameras", len(vps))
	return nil
}

func (r *Registry) set(vps []Viewpoint) {
	list := append([]Viewpoint(nil), vps...)
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].FocalLength < list[j].FocalLength
	})

	r.mu.Lock()
	r.list = list
	r.mu.Unlock()
}

// List returns a copy of the viewpoints, ascending by focal length.
func (r *Registry) List() []Viewpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Viewpoint(nil), r.list...)
}

// Len returns the number of viewpoints.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.list)
}

// ChoosePair selects the widest and the most telephoto viewpoints.
// Intermediate lenses are ignored: the largest focal spread gives the best
// depth discrimination.
func (r *Registry) ChoosePair() Pair {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch len(r.list) {
	case 0:
		return Pair{Kind: PairNone}
	case 1:
		return Pair{Kind: PairSingle, Wide: r.list[0], Tele: r.list[0]}
	}

	wide, tele := r.list[0], r.list[len(r.list)-1]
	if wide.ID == tele.ID {
		return Pair{Kind: PairSingle, Wide: wide, Tele: wide}
	}
	return Pair{Kind: PairDual, Wide: wide, Tele: tele}
}

// ResolveMultiCameraID returns the id of a back-facing logical camera that
// aggregates two or more physical sensors, if the device has one.
func (r *Registry) ResolveMultiCameraID(ctx context.Context, p CameraProvider) (string, bool) {
	cams, err := p.Cameras(ctx)
	if err != nil {
		r.logger.Warn("multi-camera lookup failed", "error", err)
		return "", false
	}
	for _, c := range cams {
		if c.Facing == FacingBack && len(c.PhysicalIDs) >= 2 {
			return c.ID, true
		}
	}
	return "", false
}

// ResolveAperture returns the first back-facing camera's first aperture.
// Only used to disambiguate calibration keys.
func (r *Registry) ResolveAperture(ctx context.Context, p CameraProvider) (float64, bool) {
	cams, err := p.Cameras(ctx)
	if err != nil {
		r.logger.Warn("aperture lookup failed", "error", err)
		return 0, false
	}
	for _, c := range cams {
		if c.Facing == FacingBack && len(c.Apertures) > 0 && c.Apertures[0] > 0 {
			return c.Apertures[0], true
		}
	}
	return 0, false
}
