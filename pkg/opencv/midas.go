package opencv

import (
	"context"
	"fmt"
	"image"
	"math"
	"os"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-rangefinder/pkg/depth"
)

// MiDaSConfig holds depth model configuration.
type MiDaSConfig struct {
	ModelPath   string
	InputWidth  int
	InputHeight int

	// MaxRange caps relative depth; the nearest pixel is 1.
	MaxRange float64
}

// DefaultMiDaSConfig returns defaults for MiDaS v2.1 small.
func DefaultMiDaSConfig() MiDaSConfig {
	return MiDaSConfig{
		ModelPath:   "models/midas_v21_small_256.onnx",
		InputWidth:  256,
		InputHeight: 256,
		MaxRange:    100,
	}
}

// MiDaS is a monocular depth provider over a MiDaS ONNX model.
//
// The model predicts inverse relative depth. Estimate converts it to depth
// relative to the nearest pixel: d = maxInv/inv, clamped to [1, MaxRange].
type MiDaS struct {
	net    gocv.Net
	config MiDaSConfig

	mu     sync.Mutex
	closed bool
}

// NewMiDaS loads the depth model.
func NewMiDaS(cfg MiDaSConfig) (*MiDaS, error) {
	if _, err := os.Stat(cfg.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("opencv: model file not found: %s", cfg.ModelPath)
	}
	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("opencv: failed to load MiDaS model from %s", cfg.ModelPath)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)
	if cfg.MaxRange <= 1 {
		cfg.MaxRange = DefaultMiDaSConfig().MaxRange
	}
	return &MiDaS{net: net, config: cfg}, nil
}

// Estimate implements depth.Provider. The map has the model's resolution.
func (m *MiDaS) Estimate(ctx context.Context, pix []byte, w, h, channels int) (*depth.Map, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := matFromPixels(pix, w, h, channels)
	if err != nil {
		return nil, &depth.BackendError{Backend: "midas", Err: err}
	}
	defer img.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, &depth.BackendError{Backend: "midas", Err: ErrClosed}
	}

	size := image.Pt(m.config.InputWidth, m.config.InputHeight)
	blob := gocv.BlobFromImage(img, 1.0/255.0, size, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	m.net.SetInput(blob, "")
	output := m.net.Forward("")
	defer output.Close()

	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, &depth.BackendError{Backend: "midas", Err: err}
	}
	n := size.X * size.Y
	if len(data) < n {
		return nil, &depth.BackendError{Backend: "midas", Err: fmt.Errorf("output holds %d values, want %d", len(data), n)}
	}

	dm := depth.NewMap(size.X, size.Y, time.Now())
	inverseToDepth(data[:n], dm.Values, m.config.MaxRange)
	return dm, nil
}

// inverseToDepth converts inverse depth to depth relative to the nearest
// pixel. Non-positive inverse depth maps to maxRange.
func inverseToDepth(inv []float32, out []float32, maxRange float64) {
	maxInv := float32(0)
	for _, v := range inv {
		if v > maxInv {
			maxInv = v
		}
	}
	for i, v := range inv {
		if v <= 0 || maxInv <= 0 {
			out[i] = float32(maxRange)
			continue
		}
		out[i] = float32(math.Min(maxRange, float64(maxInv/v)))
	}
}

// Close releases the model.
func (m *MiDaS) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.net.Close()
}
