package stereo

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-rangefinder/internal/log"
	"github.com/teslashibe/go-rangefinder/pkg/depth"
	"github.com/teslashibe/go-rangefinder/pkg/detection"
	"github.com/teslashibe/go-rangefinder/pkg/geometry"
)

type fixedScale float64

func (s fixedScale) Scale() float64 { return float64(s) }

func dualPair() geometry.Pair {
	return geometry.Pair{
		Kind: geometry.PairDual,
		Wide: geometry.Viewpoint{ID: "0", FocalLength: 2.2},
		Tele: geometry.Viewpoint{ID: "2", FocalLength: 6.0},
	}
}

// rangeMap holds values spanning [lo, hi].
func rangeMap(lo, hi float32) *depth.Map {
	m := depth.NewMap(4, 4, time.Now())
	for i := range m.Values {
		m.Values[i] = lo
	}
	m.Values[len(m.Values)-1] = hi
	return m
}

func withDepths(ds ...float64) []detection.Detection {
	out := make([]detection.Detection, 0, len(ds))
	for i, d := range ds {
		det := detection.Detection{LabelID: i, Box: detection.Box{X: float64(i), Y: 0, W: 10, H: 10}}
		out = append(out, det.WithDepth(d, detection.SourceMono))
	}
	return out
}

func newEngine(t *testing.T, scale float64) *Engine {
	t.Helper()
	e, err := New(dualPair(), fixedScale(scale), WithLogger(log.Discard()))
	require.NoError(t, err)
	e.SetReferenceSize(640, 480)
	return e
}

func TestNewRequiresDualPair(t *testing.T) {
	_, err := New(geometry.Pair{Kind: geometry.PairNone}, nil)
	assert.ErrorIs(t, err, ErrNoBaseline)

	single := geometry.Pair{Kind: geometry.PairSingle, Wide: geometry.Viewpoint{ID: "0", FocalLength: 4}}
	single.Tele = single.Wide
	_, err = New(single, nil)
	assert.ErrorIs(t, err, ErrNoBaseline)
}

func TestLevelsScaleWithSpread(t *testing.T) {
	e, err := New(dualPair(), nil, WithLogger(log.Discard()))
	require.NoError(t, err)
	// spread = 3.8/2.2, 48 levels per unit
	assert.Equal(t, int(math.Round(48*3.8/2.2)), e.Levels())

	narrow := dualPair()
	narrow.Tele.FocalLength = 2.25
	e, err = New(narrow, nil, WithLogger(log.Discard()))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().MinLevels, e.Levels())
}

func TestFuseRequiresReferenceSize(t *testing.T) {
	e, err := New(dualPair(), nil, WithLogger(log.Discard()))
	require.NoError(t, err)

	dets := withDepths(1.5)
	out, err := e.Fuse(rangeMap(1, 3), dets, 640, 480)
	assert.ErrorIs(t, err, ErrNoReferenceSize)
	assert.Equal(t, dets, out)
}

func TestFuseRejectsMismatchedSize(t *testing.T) {
	e := newEngine(t, 1)

	_, err := e.Fuse(rangeMap(1, 3), withDepths(1.5), 480, 640)
	assert.ErrorIs(t, err, ErrSizeMismatch)

	e.SetReferenceSize(480, 640)
	_, err = e.Fuse(rangeMap(1, 3), withDepths(1.5), 480, 640)
	assert.NoError(t, err)
}

func TestFuseNoOpCases(t *testing.T) {
	e := newEngine(t, 1)

	dets := withDepths(1.5)
	out, err := e.Fuse(nil, dets, 640, 480)
	require.NoError(t, err)
	assert.Equal(t, dets, out)

	out, err = e.Fuse(rangeMap(1, 3), nil, 640, 480)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestFuseMarksStereoAndStaysInRange(t *testing.T) {
	e := newEngine(t, 2)
	dets := withDepths(0.5, 2.0, 3.3, 5.9, 50)

	out, err := e.Fuse(rangeMap(1, 3), dets, 640, 480)
	require.NoError(t, err)
	require.Len(t, out, len(dets))

	// map range [1,3] scaled by 2
	for i, d := range out {
		v, ok := d.DepthValue()
		require.True(t, ok)
		assert.Equal(t, detection.SourceStereo, d.DepthSource, "detection %d", i)
		assert.GreaterOrEqual(t, v, 2.0-1e-9)
		assert.LessOrEqual(t, v, 6.0+1e-9)
	}

	// Input untouched.
	assert.Equal(t, detection.SourceMono, dets[0].DepthSource)
	assert.Equal(t, 0.5, *dets[0].Depth)
}

func TestFusePassesThroughDetectionsWithoutDepth(t *testing.T) {
	e := newEngine(t, 1)
	dets := []detection.Detection{{LabelID: 7}}

	out, err := e.Fuse(rangeMap(1, 3), dets, 640, 480)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.False(t, out[0].HasDepth())
	assert.Equal(t, detection.SourceNone, out[0].DepthSource)
}

func TestFuseIsMonotonic(t *testing.T) {
	e := newEngine(t, 1)

	var in []float64
	for d := 0.8; d <= 3.2; d += 0.013 {
		in = append(in, d)
	}
	out, err := e.Fuse(rangeMap(1, 3), withDepths(in...), 640, 480)
	require.NoError(t, err)

	prev := math.Inf(-1)
	for i, d := range out {
		v, _ := d.DepthValue()
		assert.GreaterOrEqual(t, v, prev, "order inverted at %d (input %.3f)", i, in[i])
		prev = v
	}
}

func TestFuseIsIdempotent(t *testing.T) {
	e := newEngine(t, 1.3)
	m := rangeMap(0.7, 4.1)

	once, err := e.Fuse(m, withDepths(0.1, 0.95, 1.21, 2.5, 3.333, 4.9, 5.33, 9), 640, 480)
	require.NoError(t, err)
	twice, err := e.Fuse(m, once, 640, 480)
	require.NoError(t, err)

	if diff := cmp.Diff(once, twice); diff != "" {
		t.Errorf("second fusion changed the result (-once +twice):\n%s", diff)
	}
}

func TestFuseFlatMapCollapsesToSingleDepth(t *testing.T) {
	e := newEngine(t, 1)

	out, err := e.Fuse(rangeMap(2, 2), withDepths(1, 2, 5), 640, 480)
	require.NoError(t, err)
	for _, d := range out {
		v, _ := d.DepthValue()
		assert.InDelta(t, 2.0, v, 1e-9)
	}
}

func TestProjectGridPointsAreFixed(t *testing.T) {
	const L = 40.0
	dMin, dMax := 1.0, 5.0
	kLo := math.Ceil(dMin / dMax * L)
	uLo := kLo / L

	for k := int(kLo); k <= int(L); k++ {
		d := dMin / (float64(k) / L)
		assert.Equal(t, d, project(d, dMin, dMax, uLo, L), "k=%d", k)
	}
}

func TestFuseScaledUsesAttachScale(t *testing.T) {
	m := rangeMap(1, 3)
	dets := withDepths(1.1, 1.5, 2.4, 3)

	want, err := newEngine(t, 1).Fuse(m, dets, 640, 480)
	require.NoError(t, err)

	// Calibration moved to 2 after the depths were attached at 1.
	e := newEngine(t, 2)
	got, err := e.FuseScaled(m, dets, 640, 480, 1)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FuseScaled depends on the current scale (-want +got):\n%s", diff)
	}

	squashed, err := e.Fuse(m, dets, 640, 480)
	require.NoError(t, err)
	v, _ := squashed[0].DepthValue()
	assert.GreaterOrEqual(t, v, 2.0, "current scale shifts the range floor")
}
