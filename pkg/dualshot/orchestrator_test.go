package dualshot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-rangefinder/internal/log"
	"github.com/teslashibe/go-rangefinder/pkg/camera"
	"github.com/teslashibe/go-rangefinder/pkg/depth"
	"github.com/teslashibe/go-rangefinder/pkg/detection"
	"github.com/teslashibe/go-rangefinder/pkg/geometry"
)

const testTimeout = 40 * time.Millisecond

type recorder struct {
	mu       sync.Mutex
	outcomes []Outcome
	notices  []string
}

func (r *recorder) publish(o Outcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
}

func (r *recorder) notify(msg string) {
	r.mu.Lock()
	r.notices = append(r.notices, msg)
	r.mu.Unlock()
}

func (r *recorder) published() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

func threeLens() *geometry.Registry {
	return geometry.NewRegistryFrom([]geometry.Viewpoint{
		{ID: "0", FocalLength: 2.2, Facing: geometry.FacingBack},
		{ID: "3", FocalLength: 4.8, Facing: geometry.FacingBack},
		{ID: "2", FocalLength: 6.0, Facing: geometry.FacingBack},
	})
}

func resultFor(id string) Result {
	d := detection.Detection{LabelID: 1, Label: "cup", Confidence: 0.9, Box: detection.Box{X: 10, Y: 10, W: 20, H: 20}}
	return Result{
		ViewpointID: id,
		Width:       64,
		Height:      48,
		Detections:  []detection.Detection{d.WithDepth(2, detection.SourceMono)},
		DepthMap:    depth.NewMap(8, 6, time.Now()),
		Scale:       1.25,
		Timestamp:   time.Now(),
	}
}

// newTestOrchestrator wires a mock binder whose viewpoint binds deliver a
// frame asynchronously for every id in deliver.
func newTestOrchestrator(t *testing.T, reg *geometry.Registry, deliver ...string) (*Orchestrator, *camera.MockBinder, *recorder) {
	t.Helper()
	rec := &recorder{}
	binder := camera.NewMockBinder()
	o := New(Deps{
		Registry: reg,
		Binder:   binder,
		Publish:  rec.publish,
		Notify:   rec.notify,
	}, WithTimeout(testTimeout), WithLogger(log.Discard()))

	ok := make(map[string]bool)
	for _, id := range deliver {
		ok[id] = true
	}
	binder.BindViewpointFunc = func(_ context.Context, id string) error {
		if ok[id] {
			go o.Deliver(resultFor(id))
		}
		return nil
	}
	return o, binder, rec
}

func TestRunTimeoutOnFirstViewStillPublishesSecond(t *testing.T) {
	o, binder, rec := newTestOrchestrator(t, threeLens(), "2")

	out, err := o.Run(context.Background(), Request{Facing: geometry.FacingBack, LogicalID: "5"})
	require.NoError(t, err)

	assert.Equal(t, "2", out.ViewpointID)
	assert.Equal(t, []string{"2"}, out.Captured)
	assert.False(t, out.Fused)
	assert.NotEmpty(t, out.RunID)

	pub := rec.published()
	require.Len(t, pub, 1)
	assert.Equal(t, "2", pub[0].ViewpointID)

	assert.Equal(t, []string{
		"unbind",
		"bind:0", "unbind",
		"bind:2", "unbind",
		"unbind", "default:back",
	}, binder.Ops())
	assert.Equal(t, "5", binder.Calls()[len(binder.Calls())-1].ID)
	assert.Equal(t, StateIdle, o.State())
}

func TestRunLastSuccessfulViewWins(t *testing.T) {
	o, _, rec := newTestOrchestrator(t, threeLens(), "0", "2")

	out, err := o.Run(context.Background(), Request{Facing: geometry.FacingBack})
	require.NoError(t, err)

	assert.Equal(t, "2", out.ViewpointID)
	assert.Equal(t, []string{"0", "2"}, out.Captured)
	require.Len(t, rec.published(), 1)
}

func TestRunFirstViewStandsAloneWhenSecondFails(t *testing.T) {
	o, _, rec := newTestOrchestrator(t, threeLens(), "0")
	f := &fakeFuser{}

	out, err := o.Run(context.Background(), Request{Facing: geometry.FacingBack, StereoEnabled: true, Fuser: f})
	require.NoError(t, err)
	assert.Equal(t, "0", out.ViewpointID)
	assert.Equal(t, []string{"0"}, out.Captured)
	assert.False(t, out.Fused, "a lone first view is not fused")
	assert.Zero(t, f.calls)
	assert.Equal(t, detection.SourceMono, rec.published()[0].Detections[0].DepthSource)
}

func TestRunBothFailLeavesPublishedSetUnchanged(t *testing.T) {
	o, binder, rec := newTestOrchestrator(t, threeLens())

	_, err := o.Run(context.Background(), Request{Facing: geometry.FacingBack})
	assert.ErrorIs(t, err, ErrNoResult)
	assert.Empty(t, rec.published())

	ops := binder.Ops()
	assert.Equal(t, "default:back", ops[len(ops)-1], "default binding must be restored")
	assert.Equal(t, StateIdle, o.State())
}

func TestRunBindErrorDoesNotAbortRemainingViews(t *testing.T) {
	o, binder, rec := newTestOrchestrator(t, threeLens(), "2")
	deliver := binder.BindViewpointFunc
	binder.BindViewpointFunc = func(ctx context.Context, id string) error {
		if id == "0" {
			return errors.New("camera in use")
		}
		return deliver(ctx, id)
	}

	out, err := o.Run(context.Background(), Request{Facing: geometry.FacingBack})
	require.NoError(t, err)
	assert.Equal(t, "2", out.ViewpointID)
	assert.Len(t, rec.published(), 1)
}

func TestRunRecoversFromPanickingBinder(t *testing.T) {
	o, binder, rec := newTestOrchestrator(t, threeLens(), "0")
	deliver := binder.BindViewpointFunc
	binder.BindViewpointFunc = func(ctx context.Context, id string) error {
		if id == "2" {
			panic("driver fault")
		}
		return deliver(ctx, id)
	}

	out, err := o.Run(context.Background(), Request{Facing: geometry.FacingBack})
	require.NoError(t, err)
	assert.Equal(t, "0", out.ViewpointID)
	assert.Len(t, rec.published(), 1)

	ops := binder.Ops()
	assert.Equal(t, "default:back", ops[len(ops)-1])
}

func TestRunReentryIsDropped(t *testing.T) {
	o, binder, rec := newTestOrchestrator(t, threeLens())

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	binder.BindViewpointFunc = func(_ context.Context, id string) error {
		once.Do(func() { close(entered) })
		<-release
		go o.Deliver(resultFor(id))
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background(), Request{Facing: geometry.FacingBack})
		done <- err
	}()

	<-entered
	assert.True(t, o.Active())
	assert.Equal(t, StateCapturingView1, o.State())

	_, err := o.Run(context.Background(), Request{Facing: geometry.FacingBack})
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-done)
	assert.Len(t, rec.published(), 1, "the dropped request must not publish")
	assert.False(t, o.Active())
}

func TestRunShortCircuitsOffBackCamera(t *testing.T) {
	o, binder, rec := newTestOrchestrator(t, threeLens(), "0", "2")

	_, err := o.Run(context.Background(), Request{Facing: geometry.FacingFront, LogicalID: "5"})
	assert.ErrorIs(t, err, ErrNotBackFacing)

	assert.Equal(t, []string{"unbind", "default:front"}, binder.Ops())
	assert.Empty(t, binder.Calls()[1].ID, "logical id applies to the back camera only")
	assert.Empty(t, rec.published())
	assert.Len(t, rec.notices, 1)
}

type fakeFuser struct {
	refW, refH int
	calls      int
	scale      float64
	err        error
}

func (f *fakeFuser) SetReferenceSize(w, h int) { f.refW, f.refH = w, h }

func (f *fakeFuser) FuseScaled(_ *depth.Map, dets []detection.Detection, _, _ int, scale float64) ([]detection.Detection, error) {
	f.calls++
	f.scale = scale
	if f.err != nil {
		return dets, f.err
	}
	out := detection.Clone(dets)
	for i := range out {
		v, _ := out[i].DepthValue()
		out[i] = out[i].WithDepth(v, detection.SourceStereo)
	}
	return out, nil
}

func TestRunFusesWhenStereoEnabled(t *testing.T) {
	o, _, rec := newTestOrchestrator(t, threeLens(), "0", "2")
	f := &fakeFuser{}

	out, err := o.Run(context.Background(), Request{Facing: geometry.FacingBack, StereoEnabled: true, Fuser: f})
	require.NoError(t, err)

	assert.True(t, out.Fused)
	assert.Equal(t, 1, f.calls)
	assert.Equal(t, 64, f.refW)
	assert.Equal(t, 48, f.refH)
	assert.Equal(t, 1.25, f.scale, "fused with the scale used at attach time")
	assert.Equal(t, detection.SourceStereo, rec.published()[0].Detections[0].DepthSource)
}

func TestRunSkipsFusionWhenDisabledOrFailing(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, threeLens(), "2")
	f := &fakeFuser{}

	out, err := o.Run(context.Background(), Request{Facing: geometry.FacingBack, StereoEnabled: false, Fuser: f})
	require.NoError(t, err)
	assert.False(t, out.Fused)
	assert.Zero(t, f.calls)

	f.err = errors.New("bad geometry")
	out, err = o.Run(context.Background(), Request{Facing: geometry.FacingBack, StereoEnabled: true, Fuser: f})
	require.NoError(t, err)
	assert.False(t, out.Fused)
	assert.Equal(t, detection.SourceMono, out.Detections[0].DepthSource)
}

func TestRunSingleViewpointCapturesOnce(t *testing.T) {
	reg := geometry.NewRegistryFrom([]geometry.Viewpoint{{ID: "0", FocalLength: 4.2, Facing: geometry.FacingBack}})
	o, binder, rec := newTestOrchestrator(t, reg, "0")

	out, err := o.Run(context.Background(), Request{Facing: geometry.FacingBack})
	require.NoError(t, err)
	assert.Equal(t, "0", out.ViewpointID)
	assert.Equal(t, []string{"unbind", "bind:0", "unbind", "unbind", "default:back"}, binder.Ops())
	assert.Len(t, rec.notices, 1)
}

func TestRunRefreshesEmptyRegistry(t *testing.T) {
	reg := geometry.NewRegistry()
	o, _, _ := newTestOrchestrator(t, reg, "2")
	o.deps.Cameras = geometry.StaticProvider{
		{ID: "0", Facing: geometry.FacingBack, FocalLengths: []float64{2.2}},
		{ID: "1", Facing: geometry.FacingFront, FocalLengths: []float64{3.0}},
		{ID: "2", Facing: geometry.FacingBack, FocalLengths: []float64{6.0}},
	}

	out, err := o.Run(context.Background(), Request{Facing: geometry.FacingBack})
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, "2", out.ViewpointID)
}

func TestRunNoViewpoints(t *testing.T) {
	o, binder, _ := newTestOrchestrator(t, geometry.NewRegistry())

	_, err := o.Run(context.Background(), Request{Facing: geometry.FacingBack})
	assert.ErrorIs(t, err, ErrNoViewpoints)
	assert.Equal(t, []string{"unbind", "default:back"}, binder.Ops())
}

func TestRunCancelledIsAbandoned(t *testing.T) {
	o, binder, rec := newTestOrchestrator(t, threeLens())
	ctx, cancel := context.WithCancel(context.Background())
	binder.BindViewpointFunc = func(context.Context, string) error {
		cancel()
		return nil
	}

	_, err := o.Run(ctx, Request{Facing: geometry.FacingBack})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.published())
	assert.False(t, o.Active(), "guard must be cleared")

	for _, op := range binder.Ops() {
		assert.NotEqual(t, "default:back", op, "abandoned run must not rebind")
	}
}
