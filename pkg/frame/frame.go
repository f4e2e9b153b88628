// Package frame defines the captured frame handed through the pipeline and
// a single-slot, newest-frame-wins mailbox feeding the frame worker.
package frame

import (
	"sync"
	"time"
)

// Frame is one captured image with interleaved 8-bit channels.
// A Frame is immutable once produced. The stage holding it must call Release
// on every exit path.
type Frame struct {
	Width     int
	Height    int
	Channels  int // 3 (BGR) or 4 (BGRA)
	Pix       []byte
	Rotation  int // Clockwise degrees needed to display upright: 0, 90, 180, 270
	Timestamp time.Time

	// CameraID identifies the viewpoint that produced the frame.
	CameraID string

	once      sync.Once
	releaseFn func()
}

// New creates a frame. onRelease, if non-nil, runs exactly once on Release.
func New(w, h, channels int, pix []byte, ts time.Time, onRelease func()) *Frame {
	return &Frame{
		Width:     w,
		Height:    h,
		Channels:  channels,
		Pix:       pix,
		Timestamp: ts,
		releaseFn: onRelease,
	}
}

// Release returns the frame's buffer to its producer. Safe to call more than once.
func (f *Frame) Release() {
	if f == nil {
		return
	}
	f.once.Do(func() {
		if f.releaseFn != nil {
			f.releaseFn()
		}
	})
}

// Valid reports whether the pixel buffer matches the declared dimensions.
func (f *Frame) Valid() bool {
	if f == nil || f.Width <= 0 || f.Height <= 0 || f.Channels <= 0 {
		return false
	}
	return len(f.Pix) >= f.Width*f.Height*f.Channels
}

// UprightSize returns the frame dimensions after rotation normalisation.
// Width and height swap for quarter turns.
func (f *Frame) UprightSize() (w, h int) {
	switch NormalizeRotation(f.Rotation) {
	case 90, 270:
		return f.Height, f.Width
	default:
		return f.Width, f.Height
	}
}

// NormalizeRotation folds any degree value onto 0, 90, 180 or 270.
func NormalizeRotation(deg int) int {
	r := ((deg % 360) + 360) % 360
	return (r + 45) / 90 * 90 % 360
}
