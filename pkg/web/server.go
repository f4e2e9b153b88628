// Package web serves the rangefinder control API and the websocket streams
// of published detection sets and engine events.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-rangefinder/internal/clock"
	"github.com/teslashibe/go-rangefinder/internal/log"
	"github.com/teslashibe/go-rangefinder/pkg/camera"
	"github.com/teslashibe/go-rangefinder/pkg/geometry"
	"github.com/teslashibe/go-rangefinder/pkg/hub"
	"github.com/teslashibe/go-rangefinder/pkg/pipeline"
)

// maxNotices bounds the retained notice history.
const maxNotices = 100

// Controller is the engine surface the server drives.
// *pipeline.Engine satisfies it.
type Controller interface {
	Status() pipeline.Status
	SetRealtime(v bool)
	SetBlur(v bool)
	SetStereoEnabled(v bool) bool
	DetectOnce() error
	RequestDualShot() error
	SwitchFacing(ctx context.Context, facing geometry.Facing) error
	SetCalibrationScale(ctx context.Context, scale float64) (float64, error)
	SetCalibrationStep(ctx context.Context, step int) (float64, error)
}

// Notice is a user-facing message with its arrival time.
type Notice struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l.With("component", "web") }
}

// WithClock sets the clock used to stamp events.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// Server is the control server. It implements pipeline.Sink and
// pipeline.Notifier so the engine publishes straight into its hubs.
type Server struct {
	app    *fiber.App
	port   string
	ctrl   Controller
	camera *camera.Manager
	logger *slog.Logger
	clock  clock.Clock

	detectionsHub *hub.Hub
	eventsHub     *hub.Hub

	latestMu sync.RWMutex
	latest   *pipeline.Result

	noticesMu sync.RWMutex
	notices   []Notice
}

// ErrNoController is returned by Serve before Attach.
var ErrNoController = errors.New("web: no controller attached")

// NewServer creates the control server. cam may be nil, in which case the
// camera routes report 404. Attach the engine before serving; the server
// can be handed to the engine as its Sink and Notifier first.
func NewServer(port string, cam *camera.Manager, opts ...Option) *Server {
	s := &Server{
		port:    port,
		camera:  cam,
		logger:  log.Component("web"),
		clock:   clock.Real{},
		notices: make([]Notice, 0, maxNotices),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.detectionsHub = hub.New("detections", hub.WithLogger(s.logger))
	s.eventsHub = hub.New("events", hub.WithLogger(s.logger))

	app := fiber.New(fiber.Config{
		AppName:               "rangefinder",
		DisableStartupMessage: true,
	})
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/viewpoints", s.handleViewpoints)
	api.Get("/calibration", s.handleGetCalibration)
	api.Put("/calibration", s.handleSetCalibration)
	api.Put("/stereo", s.handleStereo)
	api.Put("/blur", s.handleBlur)
	api.Put("/realtime", s.handleRealtime)
	api.Put("/facing", s.handleFacing)
	api.Get("/camera", s.handleGetCamera)
	api.Put("/camera", s.handleSetCamera)
	api.Get("/camera/presets", s.handlePresets)
	api.Post("/detect", s.handleDetectOnce)
	api.Post("/dualshot", s.handleDualShot)
	api.Get("/detections/latest", s.handleLatest)
	api.Get("/notices", s.handleNotices)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/detections", websocket.New(s.handleDetectionsWS))
	app.Get("/ws/events", websocket.New(s.handleEventsWS))

	s.app = app
	return s
}

// Attach sets the engine the API controls.
func (s *Server) Attach(ctrl Controller) {
	s.ctrl = ctrl
}

// Start listens on the configured port until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+s.port)
	if err != nil {
		return fmt.Errorf("web: listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the hubs and serves on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.ctrl == nil {
		ln.Close()
		return ErrNoController
	}
	go s.detectionsHub.Run(ctx)
	go s.eventsHub.Run(ctx)

	go func() {
		<-ctx.Done()
		if err := s.app.Shutdown(); err != nil {
			s.logger.Warn("shutdown failed", "error", err)
		}
	}()

	s.logger.Info("control server listening", "addr", ln.Addr().String())
	if err := s.app.Listener(ln); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("web: serve: %w", err)
	}
	return nil
}

// Publish implements pipeline.Sink.
func (s *Server) Publish(r pipeline.Result) {
	s.latestMu.Lock()
	s.latest = &r
	s.latestMu.Unlock()

	s.broadcast(s.detectionsHub, hub.KindDetections, r)
}

// StereoAvailability implements pipeline.Notifier.
func (s *Server) StereoAvailability(available bool) {
	s.broadcast(s.eventsHub, hub.KindStereoAvailability, fiber.Map{"available": available})
}

// Notice implements pipeline.Notifier.
func (s *Server) Notice(msg string) {
	n := Notice{Time: s.clock.Now(), Message: msg}

	s.noticesMu.Lock()
	s.notices = append(s.notices, n)
	if len(s.notices) > maxNotices {
		s.notices = s.notices[1:]
	}
	s.noticesMu.Unlock()

	s.broadcast(s.eventsHub, hub.KindNotice, n)
}

// Latest returns the most recent published result.
func (s *Server) Latest() (pipeline.Result, bool) {
	s.latestMu.RLock()
	defer s.latestMu.RUnlock()
	if s.latest == nil {
		return pipeline.Result{}, false
	}
	return *s.latest, true
}

// Notices returns a copy of the retained notices, oldest first.
func (s *Server) Notices() []Notice {
	s.noticesMu.RLock()
	defer s.noticesMu.RUnlock()
	return append([]Notice(nil), s.notices...)
}

// broadcastStatus pushes the engine status to event subscribers after a
// control change.
func (s *Server) broadcastStatus() {
	s.broadcast(s.eventsHub, hub.KindStatus, s.ctrl.Status())
}

func (s *Server) broadcast(h *hub.Hub, kind string, v any) {
	env, err := hub.NewEnvelope(kind, s.clock.Now(), v)
	if err != nil {
		s.logger.Warn("event not encoded", "kind", kind, "error", err)
		return
	}
	if err := h.BroadcastJSON(env); err != nil {
		s.logger.Warn("event not broadcast", "kind", kind, "error", err)
	}
}

// envelopeMessage encodes v as a hub message for a client greeting.
func (s *Server) envelopeMessage(kind string, v any) (hub.Message, error) {
	env, err := hub.NewEnvelope(kind, s.clock.Now(), v)
	if err != nil {
		return hub.Message{}, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return hub.Message{}, err
	}
	return hub.NewJSONMessage(data), nil
}
