// Package pipeline coordinates the rangefinder engine. A single worker
// takes the newest captured frame, runs detection and cached monocular
// depth, attaches calibrated depth to each detection, optionally refines it
// with stereo fusion and publishes the result. The engine also owns camera
// facing changes, calibration profile selection and dual-shot requests.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-rangefinder/internal/clock"
	"github.com/teslashibe/go-rangefinder/internal/log"
	"github.com/teslashibe/go-rangefinder/pkg/calibration"
	"github.com/teslashibe/go-rangefinder/pkg/camera"
	"github.com/teslashibe/go-rangefinder/pkg/depth"
	"github.com/teslashibe/go-rangefinder/pkg/detection"
	"github.com/teslashibe/go-rangefinder/pkg/dualshot"
	"github.com/teslashibe/go-rangefinder/pkg/frame"
	"github.com/teslashibe/go-rangefinder/pkg/geometry"
	"github.com/teslashibe/go-rangefinder/pkg/stereo"
)

// Sentinel errors for common conditions.
var (
	ErrClosed            = errors.New("pipeline: engine closed")
	ErrAlreadyStarted    = errors.New("pipeline: engine already started")
	ErrNotStarted        = errors.New("pipeline: engine not started")
	ErrNoDetector        = errors.New("pipeline: detector required")
	ErrStereoUnavailable = errors.New("pipeline: stereo unavailable on the active camera")
)

// Depth mode labels reported in results and status.
const (
	ModeMono   = "mono"
	ModeStereo = "stereo"
)

// Result is one published detection set.
type Result struct {
	SessionID  string                `json:"session_id"`
	Seq        uint64                `json:"seq"`
	CameraID   string                `json:"camera_id,omitempty"`
	Width      int                   `json:"width"`
	Height     int                   `json:"height"`
	Detections []detection.Detection `json:"detections"`
	Mode       string                `json:"mode"`
	Depth      string                `json:"depth"` // fresh, cached or none
	DualShot   bool                  `json:"dual_shot,omitempty"`
	RunID      string                `json:"run_id,omitempty"`
	Timestamp  time.Time             `json:"timestamp"`
}

// Sink receives published detection sets.
type Sink interface {
	Publish(Result)
}

// Notifier receives availability changes and short user-facing notices.
type Notifier interface {
	StereoAvailability(available bool)
	Notice(msg string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Result)

// Publish implements Sink.
func (f SinkFunc) Publish(r Result) { f(r) }

// Preprocessor rotates frames upright and smooths detector input.
type Preprocessor interface {
	Rotate(pix []byte, w, h, channels, deg int) ([]byte, int, int, error)
	BoxBlur(pix []byte, w, h, channels, radius int) ([]byte, error)
}

// Config holds engine parameters.
type Config struct {
	Cache          depth.CacheConfig
	CaptureTimeout time.Duration
	BlurRadius     int
	Blur           bool
	Realtime       bool
	StereoEnabled  bool // Requested at start; applied once stereo is available
	Device         calibration.Device
	Stereo         stereo.Config
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Cache:          depth.DefaultCacheConfig(),
		CaptureTimeout: dualshot.DefaultCaptureTimeout,
		BlurRadius:     1,
		Blur:           true,
		Realtime:       true,
		Device:         calibration.Device{Manufacturer: "generic", Model: "rig"},
		Stereo:         stereo.DefaultConfig(),
	}
}

// Validate checks the config and returns a list of problems.
func (c *Config) Validate() []string {
	var errs []string
	if c.Cache.Interval <= 0 {
		errs = append(errs, "depth interval must be positive")
	}
	if c.Cache.Staleness <= 0 {
		errs = append(errs, "depth staleness must be positive")
	}
	if c.CaptureTimeout <= 0 {
		errs = append(errs, "capture timeout must be positive")
	}
	if c.BlurRadius < 0 {
		errs = append(errs, "blur radius must not be negative")
	}
	return errs
}

// Deps are the engine's collaborators. The engine owns Detector and Depth
// and is the only caller of their Close.
type Deps struct {
	Detector    detection.Detector
	Depth       depth.Provider // optional
	Calibration *calibration.Store
	Cameras     geometry.CameraProvider
	Binder      camera.Binder
	Camera      *camera.Manager // optional; holds the active facing
	Preprocess  Preprocessor    // optional
	Sink        Sink
	Notifier    Notifier // optional
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l.With("component", "pipeline") }
}

// WithClock sets the clock used for cache decisions and timestamps.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// Engine is the pipeline coordinator.
type Engine struct {
	cfg       Config
	deps      Deps
	sessionID string
	logger    *slog.Logger
	clock     clock.Clock

	flags    *Flags
	cache    *depth.Cache
	attacher *depth.Attacher
	registry *geometry.Registry
	orch     *dualshot.Orchestrator
	mailbox  *frame.Mailbox

	fuser     atomic.Pointer[stereo.Engine]
	logicalID atomic.Pointer[string]

	providerMu sync.Mutex
	provider   depth.Provider

	rebindMu sync.Mutex

	// lifeMu orders closing against new worker goroutines.
	lifeMu    sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup

	seq       atomic.Uint64
	processed atomic.Uint64
}

// New creates an engine. Call Start to bind the camera and begin processing.
func New(cfg Config, deps Deps, opts ...Option) (*Engine, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("pipeline: invalid config: %v", errs)
	}
	if deps.Detector == nil {
		return nil, ErrNoDetector
	}
	if deps.Calibration == nil {
		deps.Calibration = calibration.NewStore(calibration.NewMemory())
	}
	if deps.Cameras == nil {
		deps.Cameras = geometry.StaticProvider{}
	}
	if deps.Binder == nil {
		deps.Binder = camera.NewMockBinder()
	}
	if deps.Camera == nil {
		deps.Camera = camera.NewManager()
	}
	if deps.Sink == nil {
		deps.Sink = SinkFunc(func(Result) {})
	}

	e := &Engine{
		cfg:       cfg,
		deps:      deps,
		sessionID: uuid.NewString(),
		logger:    log.Component("pipeline"),
		clock:     clock.Real{},
		flags:     &Flags{},
		cache:     depth.NewCache(cfg.Cache),
		attacher:  depth.NewAttacher(deps.Calibration),
		registry:  geometry.NewRegistry(),
		mailbox:   frame.NewMailbox(),
		provider:  deps.Depth,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("session", e.sessionID)

	e.flags.SetRealtime(cfg.Realtime)
	e.flags.SetBlur(cfg.Blur)

	e.orch = dualshot.New(dualshot.Deps{
		Registry: e.registry,
		Cameras:  deps.Cameras,
		Binder:   deps.Binder,
		Publish:  e.publishDualShot,
		Notify:   e.notice,
	},
		dualshot.WithTimeout(cfg.CaptureTimeout),
		dualshot.WithClock(e.clock),
		dualshot.WithLogger(e.logger),
	)

	if deps.Depth == nil {
		e.cache.Fail(depth.ErrDisabled)
	}
	return e, nil
}

// Start binds the default camera for the active facing and starts the
// frame worker. The worker stops when ctx ends or Close is called.
func (e *Engine) Start(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	if err := e.rebind(e.ctx, false); err != nil {
		e.logger.Warn("initial camera binding failed", "error", err)
	}
	if e.cfg.StereoEnabled {
		e.flags.SetStereoEnabled(true)
	}

	e.lifeMu.Lock()
	if e.closed.Load() {
		e.lifeMu.Unlock()
		e.cancel()
		return ErrClosed
	}
	e.wg.Add(1)
	e.lifeMu.Unlock()
	go e.run()

	// Close the mailbox when the parent context ends so the worker exits.
	go func() {
		<-e.ctx.Done()
		e.mailbox.Close()
	}()

	e.logger.Info("engine started",
		"facing", e.deps.Camera.Facing(),
		"realtime", e.flags.Realtime(),
		"stereo_available", e.flags.StereoAvailable())
	return nil
}

// Submit hands a captured frame to the worker, replacing any frame still
// waiting. The engine takes ownership of f. Returns false after Close.
func (e *Engine) Submit(f *frame.Frame) bool {
	if e.closed.Load() {
		f.Release()
		return false
	}
	return e.mailbox.Publish(f)
}

// Close stops accepting frames, abandons any dual shot, waits for the
// worker and releases the inference backends.
func (e *Engine) Close() error {
	var errs []error
	e.closeOnce.Do(func() {
		e.lifeMu.Lock()
		e.closed.Store(true)
		e.lifeMu.Unlock()
		e.mailbox.Close()
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()

		if err := e.deps.Detector.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close detector: %w", err))
		}
		if err := e.closeProvider(); err != nil {
			errs = append(errs, fmt.Errorf("close depth provider: %w", err))
		}
		published, dropped := e.mailbox.Stats()
		e.logger.Info("engine closed",
			"frames", published, "dropped", dropped, "processed", e.processed.Load())
	})
	return errors.Join(errs...)
}

// SessionID identifies this engine instance.
func (e *Engine) SessionID() string { return e.sessionID }

// Flags exposes the toggle state.
func (e *Engine) Flags() *Flags { return e.flags }

// Registry exposes the viewpoint registry.
func (e *Engine) Registry() *geometry.Registry { return e.registry }

func (e *Engine) currentProvider() depth.Provider {
	e.providerMu.Lock()
	defer e.providerMu.Unlock()
	return e.provider
}

// closeProvider releases the depth backend once.
func (e *Engine) closeProvider() error {
	e.providerMu.Lock()
	p := e.provider
	e.provider = nil
	e.providerMu.Unlock()
	if p == nil {
		return nil
	}
	return p.Close()
}

func (e *Engine) publish(r Result) {
	r.SessionID = e.sessionID
	r.Seq = e.seq.Add(1)
	e.deps.Sink.Publish(r)
}

func (e *Engine) publishDualShot(o dualshot.Outcome) {
	mode := ModeMono
	if o.Fused {
		mode = ModeStereo
	}
	src := "none"
	if o.DepthMap != nil {
		src = "fresh"
	}
	e.publish(Result{
		CameraID:   o.ViewpointID,
		Width:      o.Width,
		Height:     o.Height,
		Detections: o.Detections,
		Mode:       mode,
		Depth:      src,
		DualShot:   true,
		RunID:      o.RunID,
		Timestamp:  o.Timestamp,
	})
}

func (e *Engine) notice(msg string) {
	e.logger.Info("notice", "message", msg)
	if e.deps.Notifier != nil {
		e.deps.Notifier.Notice(msg)
	}
}
