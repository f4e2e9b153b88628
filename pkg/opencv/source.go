package opencv

import (
	"fmt"
	"image"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-rangefinder/pkg/camera"
	"github.com/teslashibe/go-rangefinder/pkg/frame"
)

// ImageSource renders rig frames from still images. Images are decoded
// once and cached per path.
type ImageSource struct {
	mu     sync.Mutex
	images map[string]gocv.Mat
}

// NewImageSource creates an empty source.
func NewImageSource() *ImageSource {
	return &ImageSource{images: make(map[string]gocv.Mat)}
}

// Frame implements camera.ImageSource. Zoom crops the image centre before
// scaling to the configured size.
func (s *ImageSource) Frame(cam camera.RigCamera, cfg camera.Config) (*frame.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	img, err := s.load(cam.Image)
	if err != nil {
		return nil, err
	}

	outW, outH := cfg.Width, cfg.Height
	if outW == 0 || outH == 0 {
		outW, outH = img.Cols(), img.Rows()
	}

	zoom := cam.Zoom.Clamp(cfg.ZoomRatio)
	src := img
	if zoom > 1 {
		cw := int(float64(img.Cols()) / zoom)
		ch := int(float64(img.Rows()) / zoom)
		x := (img.Cols() - cw) / 2
		y := (img.Rows() - ch) / 2
		src = img.Region(image.Rect(x, y, x+cw, y+ch))
		defer src.Close()
	}

	out := gocv.NewMat()
	defer out.Close()
	if zoom > 1 || outW != img.Cols() || outH != img.Rows() {
		gocv.Resize(src, &out, image.Pt(outW, outH), 0, 0, gocv.InterpolationLinear)
	} else {
		src.CopyTo(&out)
	}

	return frame.New(out.Cols(), out.Rows(), out.Channels(), out.ToBytes(), time.Now(), nil), nil
}

func (s *ImageSource) load(path string) (gocv.Mat, error) {
	if img, ok := s.images[path]; ok {
		return img, nil
	}
	if path == "" {
		return gocv.Mat{}, fmt.Errorf("opencv: rig camera has no image")
	}
	img := gocv.IMRead(path, gocv.IMReadColor)
	if img.Empty() {
		img.Close()
		return gocv.Mat{}, fmt.Errorf("opencv: cannot read image %s", path)
	}
	s.images[path] = img
	return img, nil
}

// Close frees the cached images.
func (s *ImageSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, img := range s.images {
		img.Close()
		delete(s.images, path)
	}
	return nil
}
