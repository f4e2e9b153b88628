package camera

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-rangefinder/internal/log"
	"github.com/teslashibe/go-rangefinder/pkg/frame"
	"github.com/teslashibe/go-rangefinder/pkg/geometry"
)

// ErrUnknownCamera is returned when binding a camera the rig does not have.
var ErrUnknownCamera = errors.New("camera: unknown camera")

// RigCamera is one camera in a rig description.
type RigCamera struct {
	geometry.CameraInfo

	Image    string    `json:"image"`              // Scene image, relative to the rig file
	Rotation int       `json:"rotation,omitempty"` // Sensor rotation in clockwise degrees
	Zoom     ZoomRange `json:"zoom"`
}

// RigSpec describes a device: its identity and cameras.
type RigSpec struct {
	Manufacturer string      `json:"manufacturer"`
	Model        string      `json:"model"`
	Cameras      []RigCamera `json:"cameras"`
}

// LoadRigSpec reads a JSON rig description. Image paths are resolved
// against the file's directory.
func LoadRigSpec(path string) (RigSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RigSpec{}, fmt.Errorf("camera: read rig: %w", err)
	}
	var spec RigSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return RigSpec{}, fmt.Errorf("camera: parse rig %s: %w", path, err)
	}
	if len(spec.Cameras) == 0 {
		return RigSpec{}, fmt.Errorf("camera: rig %s has no cameras", path)
	}
	dir := filepath.Dir(path)
	for i := range spec.Cameras {
		img := spec.Cameras[i].Image
		if img != "" && !filepath.IsAbs(img) {
			spec.Cameras[i].Image = filepath.Join(dir, img)
		}
	}
	return spec, nil
}

// ImageSource renders a frame for a bound rig camera.
type ImageSource interface {
	Frame(cam RigCamera, cfg Config) (*frame.Frame, error)
	Close() error
}

// Rig is a simulated device. It enumerates the cameras of a RigSpec and
// emits frames from whichever camera is bound.
type Rig struct {
	spec    RigSpec
	source  ImageSource
	manager *Manager
	logger  *slog.Logger

	mu    sync.Mutex
	bound *RigCamera

	emitted  atomic.Uint64
	inflight atomic.Int64
}

// RigOption configures a Rig.
type RigOption func(*Rig)

// WithManager makes the rig publish zoom ranges to m on bind and read the
// frame rate from it.
func WithManager(m *Manager) RigOption {
	return func(r *Rig) { r.manager = m }
}

// WithRigLogger sets the rig logger.
func WithRigLogger(l *slog.Logger) RigOption {
	return func(r *Rig) { r.logger = l.With("component", "rig") }
}

// NewRig creates a rig over spec, rendering frames with source.
func NewRig(spec RigSpec, source ImageSource, opts ...RigOption) *Rig {
	r := &Rig{
		spec:   spec,
		source: source,
		logger: log.Component("rig"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.manager == nil {
		r.manager = NewManager()
	}
	return r
}

// Spec returns the rig description.
func (r *Rig) Spec() RigSpec { return r.spec }

// Cameras implements geometry.CameraProvider.
func (r *Rig) Cameras(context.Context) ([]geometry.CameraInfo, error) {
	out := make([]geometry.CameraInfo, len(r.spec.Cameras))
	for i, c := range r.spec.Cameras {
		out[i] = c.CameraInfo
	}
	return out, nil
}

// BindDefault implements Binder. For the back facing a known logicalID is
// preferred over the first back camera.
func (r *Rig) BindDefault(_ context.Context, facing geometry.Facing, logicalID string) error {
	if facing == geometry.FacingBack && logicalID != "" {
		if cam := r.find(logicalID); cam != nil {
			return r.bind(cam)
		}
		r.logger.Warn("logical camera not in rig, using first back camera", "id", logicalID)
	}
	for i := range r.spec.Cameras {
		if r.spec.Cameras[i].Facing == facing {
			return r.bind(&r.spec.Cameras[i])
		}
	}
	return fmt.Errorf("%w: no %s camera", ErrUnknownCamera, facing)
}

// BindViewpoint implements Binder.
func (r *Rig) BindViewpoint(_ context.Context, id string) error {
	cam := r.find(id)
	if cam == nil {
		return fmt.Errorf("%w: %s", ErrUnknownCamera, id)
	}
	return r.bind(cam)
}

// Unbind implements Binder.
func (r *Rig) Unbind(context.Context) error {
	r.mu.Lock()
	prev := r.bound
	r.bound = nil
	r.mu.Unlock()
	if prev != nil {
		r.logger.Debug("camera unbound", "id", prev.ID)
	}
	return nil
}

// Bound returns the id of the bound camera, or "".
func (r *Rig) Bound() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bound == nil {
		return ""
	}
	return r.bound.ID
}

func (r *Rig) find(id string) *RigCamera {
	for i := range r.spec.Cameras {
		if r.spec.Cameras[i].ID == id {
			return &r.spec.Cameras[i]
		}
	}
	return nil
}

func (r *Rig) bind(cam *RigCamera) error {
	r.mu.Lock()
	if r.bound != nil {
		id := r.bound.ID
		r.mu.Unlock()
		return fmt.Errorf("camera: %s still bound, unbind first", id)
	}
	r.bound = cam
	r.mu.Unlock()

	r.manager.SetZoomRange(cam.Zoom)
	r.logger.Info("camera bound", "id", cam.ID, "facing", cam.Facing)
	return nil
}

// Capture renders one frame from the bound camera.
func (r *Rig) Capture() (*frame.Frame, error) {
	r.mu.Lock()
	cam := r.bound
	r.mu.Unlock()
	if cam == nil {
		return nil, ErrNotBound
	}

	f, err := r.source.Frame(*cam, r.manager.GetConfig())
	if err != nil {
		return nil, fmt.Errorf("camera: render %s: %w", cam.ID, err)
	}
	f.CameraID = cam.ID
	f.Rotation = cam.Rotation

	// Track frames the pipeline has not yet released.
	r.inflight.Add(1)
	inner := f
	out := frame.New(inner.Width, inner.Height, inner.Channels, inner.Pix, inner.Timestamp, func() {
		r.inflight.Add(-1)
		inner.Release()
	})
	out.CameraID, out.Rotation = inner.CameraID, inner.Rotation
	r.emitted.Add(1)
	return out, nil
}

// Run emits frames to submit at the configured frame rate until ctx ends.
// submit takes ownership of each frame.
func (r *Rig) Run(ctx context.Context, submit func(*frame.Frame) bool) error {
	timer := time.NewTimer(r.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		f, err := r.Capture()
		switch {
		case errors.Is(err, ErrNotBound):
		case err != nil:
			r.logger.Warn("frame capture failed", "error", err)
		default:
			submit(f)
		}
		timer.Reset(r.interval())
	}
}

func (r *Rig) interval() time.Duration {
	fps := r.manager.GetConfig().Framerate
	if fps <= 0 {
		fps = DefaultConfig().Framerate
	}
	return time.Second / time.Duration(fps)
}

// Stats returns frames emitted and frames not yet released.
func (r *Rig) Stats() (emitted uint64, inflight int64) {
	return r.emitted.Load(), r.inflight.Load()
}

// Close releases the image source.
func (r *Rig) Close() error {
	return r.source.Close()
}
