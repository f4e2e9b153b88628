package opencv

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-rangefinder/pkg/frame"
)

// matFromPixels wraps a tightly packed BGR or BGRA buffer as a 3-channel
// BGR Mat. The caller closes it.
func matFromPixels(pix []byte, w, h, channels int) (gocv.Mat, error) {
	if w <= 0 || h <= 0 {
		return gocv.Mat{}, fmt.Errorf("opencv: invalid frame size %dx%d", w, h)
	}
	if len(pix) < w*h*channels {
		return gocv.Mat{}, fmt.Errorf("opencv: buffer holds %d bytes, need %d", len(pix), w*h*channels)
	}

	switch channels {
	case 3:
		return gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC3, pix[:w*h*3])
	case 4:
		bgra, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC4, pix[:w*h*4])
		if err != nil {
			return gocv.Mat{}, err
		}
		defer bgra.Close()
		bgr := gocv.NewMat()
		gocv.CvtColor(bgra, &bgr, gocv.ColorBGRAToBGR)
		return bgr, nil
	default:
		return gocv.Mat{}, fmt.Errorf("opencv: unsupported channel count %d", channels)
	}
}

// Preprocessor rotates and smooths raw frames. The zero value is ready.
type Preprocessor struct{}

// Rotate turns a frame clockwise by deg (a multiple of 90) and returns the
// new buffer and dimensions. Rotation 0 returns the input unchanged.
func (Preprocessor) Rotate(pix []byte, w, h, channels, deg int) ([]byte, int, int, error) {
	var code gocv.RotateFlag
	switch frame.NormalizeRotation(deg) {
	case 0:
		return pix, w, h, nil
	case 90:
		code = gocv.Rotate90Clockwise
	case 180:
		code = gocv.Rotate180Clockwise
	default:
		code = gocv.Rotate90CounterClockwise
	}

	src, err := rawMat(pix, w, h, channels)
	if err != nil {
		return nil, 0, 0, err
	}
	defer src.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.Rotate(src, &dst, code)

	return dst.ToBytes(), dst.Cols(), dst.Rows(), nil
}

// BoxBlur applies a (2*radius+1) square mean filter. A radius below 1
// returns the input unchanged.
func (Preprocessor) BoxBlur(pix []byte, w, h, channels, radius int) ([]byte, error) {
	if radius < 1 {
		return pix, nil
	}
	src, err := rawMat(pix, w, h, channels)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	k := 2*radius + 1
	gocv.Blur(src, &dst, image.Pt(k, k))

	return dst.ToBytes(), nil
}

// rawMat wraps pix keeping its channel count.
func rawMat(pix []byte, w, h, channels int) (gocv.Mat, error) {
	var mt gocv.MatType
	switch channels {
	case 1:
		mt = gocv.MatTypeCV8UC1
	case 3:
		mt = gocv.MatTypeCV8UC3
	case 4:
		mt = gocv.MatTypeCV8UC4
	default:
		return gocv.Mat{}, fmt.Errorf("opencv: unsupported channel count %d", channels)
	}
	n := w * h * channels
	if w <= 0 || h <= 0 || len(pix) < n {
		return gocv.Mat{}, fmt.Errorf("opencv: buffer too small for %dx%dx%d", w, h, channels)
	}
	return gocv.NewMatFromBytes(h, w, mt, pix[:n])
}
