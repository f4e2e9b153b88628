// Package rangefinder assembles the engine, the file-backed camera rig,
// the inference backends and the control server into one application.
package rangefinder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/teslashibe/go-rangefinder/internal/config"
	"github.com/teslashibe/go-rangefinder/internal/log"
	"github.com/teslashibe/go-rangefinder/pkg/calibration"
	"github.com/teslashibe/go-rangefinder/pkg/camera"
	"github.com/teslashibe/go-rangefinder/pkg/depth"
	"github.com/teslashibe/go-rangefinder/pkg/detection"
	"github.com/teslashibe/go-rangefinder/pkg/opencv"
	"github.com/teslashibe/go-rangefinder/pkg/pipeline"
	"github.com/teslashibe/go-rangefinder/pkg/web"
)

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}

// Backends builds the inference backends. Tests replace it to avoid
// loading models.
type Backends func(cfg config.Engine) (detection.Detector, depth.Provider, error)

// Option configures an App.
type Option func(*App)

// WithBackends overrides how the detector and depth provider are built.
func WithBackends(b Backends) Option {
	return func(a *App) { a.backends = b }
}

// WithImageSource overrides the rig's frame renderer.
func WithImageSource(src camera.ImageSource) Option {
	return func(a *App) { a.source = src }
}

// App owns every component and their lifecycle.
type App struct {
	config   config.Engine
	logger   *slog.Logger
	backends Backends

	persistence *calibration.SQLite
	calibration *calibration.Store

	source        camera.ImageSource
	rig           *camera.Rig
	cameraManager *camera.Manager

	engine    *pipeline.Engine
	webServer *web.Server
}

// New validates cfg and creates an application. Call Init before Run.
func New(cfg config.Engine, opts ...Option) (*App, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, &ConfigError{Field: "engine", Message: fmt.Sprintf("invalid configuration: %v", errs)}
	}
	if cfg.RigPath == "" {
		return nil, &ConfigError{Field: "RigPath", Message: "a rig description is required (-rig or RANGEFINDER_RIG)"}
	}

	a := &App{
		config:   cfg,
		logger:   log.Component("app"),
		backends: OpenCVBackends,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Init opens storage, loads the rig, builds the backends and wires the
// engine to the control server.
func (a *App) Init() error {
	a.initCalibration()

	if err := a.initRig(); err != nil {
		return fmt.Errorf("rig: %w", err)
	}

	det, prov, err := a.backends(a.config)
	if err != nil {
		return fmt.Errorf("backends: %w", err)
	}

	a.webServer = web.NewServer(a.config.ListenPort, a.cameraManager)

	engine, err := pipeline.New(a.pipelineConfig(), pipeline.Deps{
		Detector:    det,
		Depth:       prov,
		Calibration: a.calibration,
		Cameras:     a.rig,
		Binder:      a.rig,
		Camera:      a.cameraManager,
		Preprocess:  opencv.Preprocessor{},
		Sink:        a.webServer,
		Notifier:    a.webServer,
	})
	if err != nil {
		det.Close()
		if prov != nil {
			prov.Close()
		}
		return fmt.Errorf("engine: %w", err)
	}
	a.engine = engine
	a.webServer.Attach(engine)
	return nil
}

// initCalibration opens the SQLite store, falling back to memory so the
// engine still runs with default scales.
func (a *App) initCalibration() {
	db, err := calibration.OpenSQLite(a.config.DBPath)
	if err != nil {
		a.logger.Warn("calibration database unavailable, scales will not persist",
			"path", a.config.DBPath, "error", err)
		a.calibration = calibration.NewStore(calibration.NewMemory())
		return
	}
	a.persistence = db
	a.calibration = calibration.NewStore(db)
}

func (a *App) initRig() error {
	spec, err := camera.LoadRigSpec(a.config.RigPath)
	if err != nil {
		return err
	}
	if a.source == nil {
		a.source = opencv.NewImageSource()
	}
	a.cameraManager = camera.NewManager()
	a.rig = camera.NewRig(spec, a.source, camera.WithManager(a.cameraManager))

	a.logger.Info("rig loaded",
		"path", a.config.RigPath,
		"manufacturer", spec.Manufacturer,
		"model", spec.Model,
		"cameras", len(spec.Cameras))
	return nil
}

// pipelineConfig maps process settings onto the engine config. The rig's
// device identity, when present, names the calibration profile.
func (a *App) pipelineConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.Cache = depth.CacheConfig{
		Interval:  a.config.DepthInterval,
		Staleness: a.config.DepthStaleness,
	}
	cfg.CaptureTimeout = a.config.CaptureTimeout
	cfg.Blur = a.config.BlurEnabled
	cfg.BlurRadius = a.config.BlurRadius
	cfg.Realtime = a.config.Realtime
	cfg.StereoEnabled = a.config.StereoEnabled
	cfg.Device = calibration.Device{Manufacturer: a.config.Manufacturer, Model: a.config.Model}

	if spec := a.rig.Spec(); spec.Manufacturer != "" || spec.Model != "" {
		cfg.Device = calibration.Device{Manufacturer: spec.Manufacturer, Model: spec.Model}
	}
	return cfg
}

// Run starts the engine, the rig and the control server and blocks until
// ctx ends or the server fails.
func (a *App) Run(ctx context.Context) error {
	if a.engine == nil {
		return errors.New("rangefinder: Init not called")
	}
	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	go func() {
		if err := a.rig.Run(ctx, a.engine.Submit); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("rig stopped", "error", err)
		}
	}()

	serverErr := make(chan error, 1)
	go func() { serverErr <- a.webServer.Start(ctx) }()

	a.logger.Info("rangefinder running", "port", a.config.ListenPort, "session", a.engine.SessionID())

	select {
	case <-ctx.Done():
		return nil
	case err := <-serverErr:
		return err
	}
}

// Shutdown stops the engine and releases the rig and storage.
func (a *App) Shutdown() error {
	var errs []error
	if a.engine != nil {
		if err := a.engine.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.rig != nil {
		emitted, inflight := a.rig.Stats()
		a.logger.Info("rig stopped", "frames", emitted, "unreleased", inflight)
		if err := a.rig.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close rig: %w", err))
		}
	}
	if a.persistence != nil {
		if err := a.persistence.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close calibration db: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Engine returns the pipeline engine, or nil before Init.
func (a *App) Engine() *pipeline.Engine { return a.engine }

// OpenCVBackends loads the YOLO detector and the MiDaS depth provider.
// A missing depth model disables depth rather than failing.
func OpenCVBackends(cfg config.Engine) (detection.Detector, depth.Provider, error) {
	logger := log.Component("app")

	detCfg := detection.DefaultConfig()
	detCfg.ModelPath = cfg.DetectorModel
	detCfg.LabelsPath = cfg.LabelsPath
	det, err := opencv.NewYOLO(detCfg)
	if err != nil {
		return nil, nil, err
	}

	midasCfg := opencv.DefaultMiDaSConfig()
	midasCfg.ModelPath = cfg.DepthModel
	midas, err := opencv.NewMiDaS(midasCfg)
	if err != nil {
		logger.Warn("depth model unavailable, running without depth", "error", err)
		return det, nil, nil
	}
	return det, midas, nil
}
