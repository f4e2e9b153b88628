// Package opencv implements the engine's inference and image backends on
// gocv: a YOLOv8 object detector, a MiDaS monocular depth provider, frame
// rotation and smoothing, and the image source behind the file rig.
package opencv

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-rangefinder/internal/log"
	"github.com/teslashibe/go-rangefinder/pkg/detection"
)

// ErrClosed is returned by backends used after Close.
var ErrClosed = errors.New("opencv: backend closed")

// YOLODetector uses YOLOv8 for general object detection.
type YOLODetector struct {
	net       gocv.Net
	config    detection.Config
	labels    []string
	inputSize image.Point
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewYOLO creates a new YOLO object detector.
func NewYOLO(cfg detection.Config) (*YOLODetector, error) {
	if _, err := os.Stat(cfg.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("opencv: model file not found: %s", cfg.ModelPath)
	}

	labels := COCOClasses
	if cfg.LabelsPath != "" {
		l, err := LoadLabels(cfg.LabelsPath)
		if err != nil {
			return nil, err
		}
		labels = l
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("opencv: failed to load YOLO model from %s", cfg.ModelPath)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	return &YOLODetector{
		net:       net,
		config:    cfg,
		labels:    labels,
		inputSize: image.Pt(cfg.InputWidth, cfg.InputHeight),
		logger:    log.Component("yolo"),
	}, nil
}

// Detect implements detection.Detector. Boxes are in frame pixels.
func (d *YOLODetector) Detect(ctx context.Context, pix []byte, w, h, channels int) ([]detection.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, err := matFromPixels(pix, w, h, channels)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}

	// Create blob from image
	blob := gocv.BlobFromImage(img, 1.0/255.0, d.inputSize, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	// Output shape: [1, 4+classes, anchors]
	dets := d.parseYOLOv8Output(output, float32(w), float32(h))
	if len(dets) > 0 {
		d.logger.Debug("objects detected", "count", len(dets))
	}
	return dets, nil
}

// parseYOLOv8Output parses the YOLOv8 output tensor.
func (d *YOLODetector) parseYOLOv8Output(output gocv.Mat, imgW, imgH float32) []detection.Detection {
	var (
		boxes       []image.Rectangle
		confidences []float32
		classIDs    []int
	)

	sizes := output.Size()
	if len(sizes) != 3 {
		d.logger.Warn("unexpected YOLO output shape", "shape", sizes)
		return nil
	}
	cols := sizes[1] // 4 bbox + class scores
	rows := sizes[2] // anchors

	data, err := output.DataPtrFloat32()
	if err != nil || len(data) < rows*cols {
		return nil
	}

	thresh := float32(d.config.ConfidenceThresh)
	sx := imgW / float32(d.config.InputWidth)
	sy := imgH / float32(d.config.InputHeight)

	for i := 0; i < rows; i++ {
		maxScore := float32(0)
		maxClassID := 0
		for c := 4; c < cols; c++ {
			score := data[c*rows+i]
			if score > maxScore {
				maxScore = score
				maxClassID = c - 4
			}
		}
		if maxScore < thresh {
			continue
		}

		// Center format to corners, scaled to the frame
		cx := data[0*rows+i]
		cy := data[1*rows+i]
		bw := data[2*rows+i]
		bh := data[3*rows+i]
		x1 := int((cx - bw/2) * sx)
		y1 := int((cy - bh/2) * sy)
		x2 := int((cx + bw/2) * sx)
		y2 := int((cy + bh/2) * sy)

		boxes = append(boxes, image.Rect(x1, y1, x2, y2))
		confidences = append(confidences, maxScore)
		classIDs = append(classIDs, maxClassID)
	}

	if len(boxes) == 0 {
		return nil
	}

	indices := gocv.NMSBoxes(boxes, confidences, thresh, float32(d.config.NMSThresh))

	dets := make([]detection.Detection, 0, len(indices))
	for _, idx := range indices {
		box := boxes[idx]
		dets = append(dets, detection.Detection{
			LabelID:    classIDs[idx],
			Label:      d.label(classIDs[idx]),
			Confidence: float64(confidences[idx]),
			Box: detection.Box{
				X: float64(box.Min.X),
				Y: float64(box.Min.Y),
				W: float64(box.Dx()),
				H: float64(box.Dy()),
			},
		})
	}
	return dets
}

func (d *YOLODetector) label(id int) string {
	if id >= 0 && id < len(d.labels) {
		return d.labels[id]
	}
	return fmt.Sprintf("class_%d", id)
}

// Close releases the detector resources.
func (d *YOLODetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.net.Close()
}

// LoadLabels reads one label per line, skipping blank lines.
func LoadLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opencv: open labels: %w", err)
	}
	defer f.Close()

	var labels []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if l := strings.TrimSpace(sc.Text()); l != "" {
			labels = append(labels, l)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("opencv: read labels: %w", err)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("opencv: no labels in %s", path)
	}
	return labels, nil
}

// COCOClasses contains the 80 COCO class names
var COCOClasses = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat",
	"dog", "horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack",
	"umbrella", "handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball",
	"kite", "baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket",
	"bottle", "wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple",
	"sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair",
	"couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink", "refrigerator",
	"book", "clock", "vase", "scissors", "teddy bear", "hair drier", "toothbrush",
}
