package camera

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-rangefinder/internal/log"
	"github.com/teslashibe/go-rangefinder/pkg/frame"
	"github.com/teslashibe/go-rangefinder/pkg/geometry"
)

func TestZoomRangeEffective(t *testing.T) {
	tests := []struct {
		name string
		in   ZoomRange
		want ZoomRange
	}{
		{"normal", ZoomRange{Min: 1, Max: 10}, ZoomRange{Min: 1, Max: 10}},
		{"min below one", ZoomRange{Min: 0.5, Max: 8}, ZoomRange{Min: 1, Max: 8}},
		{"max below min", ZoomRange{Min: 2, Max: 1.5}, ZoomRange{Min: 2, Max: 2}},
		{"zero", ZoomRange{}, ZoomRange{Min: 1, Max: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Effective())
		})
	}
}

func TestZoomStepRemap(t *testing.T) {
	r := ZoomRange{Min: 0.6, Max: 5}

	assert.Equal(t, 1.0, r.RatioForStep(0))
	assert.Equal(t, 5.0, r.RatioForStep(ZoomSteps))
	assert.InDelta(t, 3.0, r.RatioForStep(500), 1e-9)
	assert.Equal(t, 1.0, r.RatioForStep(-20), "below range clamps")
	assert.Equal(t, 5.0, r.RatioForStep(5000), "above range clamps")

	assert.Equal(t, 0, r.StepForRatio(0.2))
	assert.Equal(t, ZoomSteps, r.StepForRatio(9))
	for _, step := range []int{0, 1, 250, 999, 1000} {
		assert.Equal(t, step, r.StepForRatio(r.RatioForStep(step)), "round trip step %d", step)
	}

	flat := ZoomRange{Min: 1, Max: 1}
	assert.Equal(t, 0, flat.StepForRatio(1))
	assert.Equal(t, 1.0, flat.RatioForStep(700))
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.Empty(t, cfg.Validate())

	cfg = VGAConfig()
	assert.Empty(t, cfg.Validate())

	bad := Config{Width: 10, Height: 0, Framerate: 0, ZoomRatio: 0.5, Facing: geometry.Facing(9)}
	assert.Len(t, bad.Validate(), 5)
}

func TestManagerClampsZoomToBoundCamera(t *testing.T) {
	m := NewManager()
	m.SetZoomRange(ZoomRange{Min: 1, Max: 4})

	ratio, err := m.SetZoomStep(ZoomSteps)
	require.NoError(t, err)
	assert.Equal(t, 4.0, ratio)
	assert.Equal(t, ZoomSteps, m.ZoomStep())

	m.SetZoomRange(ZoomRange{Min: 1, Max: 2})
	assert.Equal(t, 2.0, m.GetConfig().ZoomRatio, "narrower range re-clamps current zoom")
}

func TestManagerUpdateConfig(t *testing.T) {
	m := NewManager()
	m.SetZoomRange(ZoomRange{Min: 1, Max: 3})

	var applied []Config
	m.OnConfigChange = func(cfg Config) error {
		applied = append(applied, cfg)
		return nil
	}

	require.NoError(t, m.UpdateConfig(map[string]interface{}{
		"preset":    PresetVGA,
		"framerate": float64(15),
		"zoom_step": float64(500),
		"facing":    "front",
	}))

	cfg := m.GetConfig()
	assert.Equal(t, 640, cfg.Width)
	assert.Equal(t, 15, cfg.Framerate)
	assert.Equal(t, 2.0, cfg.ZoomRatio)
	assert.Equal(t, geometry.FacingFront, cfg.Facing)
	require.Len(t, applied, 1)

	assert.Error(t, m.UpdateConfig(map[string]interface{}{"preset": "nope"}))
	assert.Error(t, m.UpdateConfig(map[string]interface{}{"facing": "sideways"}))
	assert.Error(t, m.UpdateConfig(map[string]interface{}{"framerate": 500}))
	assert.Equal(t, 15, m.GetConfig().Framerate, "failed update leaves config untouched")
}

func TestManagerCallbackError(t *testing.T) {
	m := NewManager()
	m.OnConfigChange = func(Config) error { return errors.New("device busy") }

	err := m.SetFacing(geometry.FacingFront)
	assert.Error(t, err)
}

func TestManagerConfigJSON(t *testing.T) {
	m := NewManager()
	out := m.GetConfigJSON()
	assert.Equal(t, "back", out["facing"])
	assert.Contains(t, out, "zoom_step")
	assert.Contains(t, out, "zoom_range")
}

func TestMockBinderRecordsOps(t *testing.T) {
	b := NewMockBinder()
	ctx := context.Background()

	require.NoError(t, b.BindDefault(ctx, geometry.FacingBack, "4"))
	require.NoError(t, b.Unbind(ctx))
	require.NoError(t, b.BindViewpoint(ctx, "2"))
	assert.Equal(t, "2", b.Bound())

	assert.Equal(t, []string{"default:back", "unbind", "bind:2"}, b.Ops())
	assert.Equal(t, "4", b.Calls()[0].ID)
}

type stubSource struct {
	mu       sync.Mutex
	rendered []string
	released int
	err      error
}

func (s *stubSource) Frame(cam RigCamera, cfg Config) (*frame.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.rendered = append(s.rendered, cam.ID)
	return frame.New(4, 2, 3, make([]byte, 24), time.Now(), func() {
		s.mu.Lock()
		s.released++
		s.mu.Unlock()
	}), nil
}

func (s *stubSource) Close() error { return nil }

func testSpec() RigSpec {
	return RigSpec{
		Manufacturer: "Acme",
		Model:        "P1",
		Cameras: []RigCamera{
			{CameraInfo: geometry.CameraInfo{ID: "0", Facing: geometry.FacingBack, FocalLengths: []float64{2.2}}, Zoom: ZoomRange{Min: 1, Max: 8}, Rotation: 90},
			{CameraInfo: geometry.CameraInfo{ID: "1", Facing: geometry.FacingFront, FocalLengths: []float64{3.0}}},
			{CameraInfo: geometry.CameraInfo{ID: "2", Facing: geometry.FacingBack, FocalLengths: []float64{6.0}}},
			{CameraInfo: geometry.CameraInfo{ID: "4", Facing: geometry.FacingBack, FocalLengths: []float64{2.2}, PhysicalIDs: []string{"0", "2"}}},
		},
	}
}

func TestRigBinding(t *testing.T) {
	src := &stubSource{}
	m := NewManager()
	r := NewRig(testSpec(), src, WithManager(m), WithRigLogger(log.Discard()))
	ctx := context.Background()

	_, err := r.Capture()
	assert.ErrorIs(t, err, ErrNotBound)

	require.NoError(t, r.BindDefault(ctx, geometry.FacingBack, ""))
	assert.Equal(t, "0", r.Bound())
	assert.Equal(t, ZoomRange{Min: 1, Max: 8}, m.ZoomRange())

	assert.Error(t, r.BindViewpoint(ctx, "2"), "binding over an active binding is refused")

	require.NoError(t, r.Unbind(ctx))
	require.NoError(t, r.BindDefault(ctx, geometry.FacingBack, "4"))
	assert.Equal(t, "4", r.Bound(), "logical multi-camera preferred")

	require.NoError(t, r.Unbind(ctx))
	require.NoError(t, r.BindDefault(ctx, geometry.FacingBack, "missing"))
	assert.Equal(t, "0", r.Bound())

	require.NoError(t, r.Unbind(ctx))
	require.NoError(t, r.BindDefault(ctx, geometry.FacingFront, "4"))
	assert.Equal(t, "1", r.Bound(), "logical id ignored off the back camera")

	require.NoError(t, r.Unbind(ctx))
	assert.ErrorIs(t, r.BindViewpoint(ctx, "9"), ErrUnknownCamera)
	assert.ErrorIs(t, r.BindDefault(ctx, geometry.FacingExternal, ""), ErrUnknownCamera)
}

func TestRigCaptureTracksRelease(t *testing.T) {
	src := &stubSource{}
	r := NewRig(testSpec(), src, WithRigLogger(log.Discard()))
	require.NoError(t, r.BindViewpoint(context.Background(), "0"))

	f, err := r.Capture()
	require.NoError(t, err)
	assert.Equal(t, "0", f.CameraID)
	assert.Equal(t, 90, f.Rotation)

	emitted, inflight := r.Stats()
	assert.Equal(t, uint64(1), emitted)
	assert.Equal(t, int64(1), inflight)

	f.Release()
	f.Release()
	_, inflight = r.Stats()
	assert.Equal(t, int64(0), inflight)
	assert.Equal(t, 1, src.released)
}

func TestRigCamerasListsAll(t *testing.T) {
	r := NewRig(testSpec(), &stubSource{}, WithRigLogger(log.Discard()))
	cams, err := r.Cameras(context.Background())
	require.NoError(t, err)
	assert.Len(t, cams, 4)

	reg := geometry.NewRegistry()
	require.NoError(t, reg.Refresh(context.Background(), r))
	assert.Equal(t, 3, reg.Len())
	id, ok := reg.ResolveMultiCameraID(context.Background(), r)
	assert.True(t, ok)
	assert.Equal(t, "4", id)
}

func TestRigRunEmitsFromBoundCamera(t *testing.T) {
	src := &stubSource{}
	m := NewManager()
	require.NoError(t, m.UpdateConfig(map[string]interface{}{"framerate": 60}))
	r := NewRig(testSpec(), src, WithManager(m), WithRigLogger(log.Discard()))
	require.NoError(t, r.BindViewpoint(context.Background(), "2"))

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan *frame.Frame, 1)
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, func(f *frame.Frame) bool {
			select {
			case got <- f:
			default:
				f.Release()
			}
			return true
		})
	}()

	select {
	case f := <-got:
		assert.Equal(t, "2", f.CameraID)
		f.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("no frame emitted")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestLoadRigSpec(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rig.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"manufacturer": "Acme",
		"model": "P1",
		"cameras": [
			{"id": "0", "facing": "back", "focal_lengths": [2.2, 2.5], "apertures": [1.8], "image": "wide.jpg", "zoom": {"min": 0.5, "max": 8}},
			{"id": "1", "facing": "front", "focal_lengths": [3.0], "image": "/abs/front.jpg"}
		]
	}`), 0o644))

	spec, err := LoadRigSpec(path)
	require.NoError(t, err)
	assert.Equal(t, "Acme", spec.Manufacturer)
	require.Len(t, spec.Cameras, 2)
	assert.Equal(t, geometry.FacingBack, spec.Cameras[0].Facing)
	assert.Equal(t, []float64{2.2, 2.5}, spec.Cameras[0].FocalLengths)
	assert.Equal(t, filepath.Join(dir, "wide.jpg"), spec.Cameras[0].Image)
	assert.Equal(t, "/abs/front.jpg", spec.Cameras[1].Image)

	require.NoError(t, os.WriteFile(path, []byte(`{"cameras": []}`), 0o644))
	_, err = LoadRigSpec(path)
	assert.Error(t, err)

	_, err = LoadRigSpec(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
