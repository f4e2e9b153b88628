package web

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-rangefinder/pkg/calibration"
	"github.com/teslashibe/go-rangefinder/pkg/camera"
	"github.com/teslashibe/go-rangefinder/pkg/dualshot"
	"github.com/teslashibe/go-rangefinder/pkg/geometry"
	"github.com/teslashibe/go-rangefinder/pkg/hub"
	"github.com/teslashibe/go-rangefinder/pkg/pipeline"
)

// ToggleRequest is the body of the boolean toggle routes.
type ToggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// CalibrationRequest sets the scale directly or from a slider step.
// Exactly one field must be present.
type CalibrationRequest struct {
	Scale *float64 `json:"scale"`
	Step  *int     `json:"step"`
}

// CalibrationResponse describes the active calibration profile.
type CalibrationResponse struct {
	Key      string  `json:"key"`
	Scale    float64 `json:"scale"`
	Step     int     `json:"step"`
	MinScale float64 `json:"min_scale"`
	MaxScale float64 `json:"max_scale"`
	MaxStep  int     `json:"max_step"`
}

// FacingRequest is the body of PUT /api/facing.
type FacingRequest struct {
	Facing string `json:"facing"`
}

// httpStatus maps engine errors onto response codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, dualshot.ErrBusy),
		errors.Is(err, dualshot.ErrNotBackFacing),
		errors.Is(err, calibration.ErrNoProfile):
		return fiber.StatusConflict
	case errors.Is(err, pipeline.ErrClosed),
		errors.Is(err, pipeline.ErrNotStarted):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func errorJSON(c *fiber.Ctx, code int, err error) error {
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.ctrl.Status())
}

func (s *Server) handleViewpoints(c *fiber.Ctx) error {
	st := s.ctrl.Status()
	return c.JSON(fiber.Map{
		"viewpoints": st.Viewpoints,
		"pair":       st.Pair,
		"logical_id": st.LogicalID,
	})
}

func (s *Server) calibration() CalibrationResponse {
	st := s.ctrl.Status()
	return CalibrationResponse{
		Key:      st.CalibrationKey,
		Scale:    st.CalibrationScale,
		Step:     st.CalibrationStep,
		MinScale: calibration.MinScale,
		MaxScale: calibration.MaxScale,
		MaxStep:  calibration.MaxStep,
	}
}

func (s *Server) handleGetCalibration(c *fiber.Ctx) error {
	return c.JSON(s.calibration())
}

func (s *Server) handleSetCalibration(c *fiber.Ctx) error {
	var req CalibrationRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, err)
	}
	if (req.Scale == nil) == (req.Step == nil) {
		return errorJSON(c, fiber.StatusBadRequest, errors.New("exactly one of scale or step is required"))
	}

	var err error
	if req.Scale != nil {
		_, err = s.ctrl.SetCalibrationScale(c.UserContext(), *req.Scale)
	} else {
		_, err = s.ctrl.SetCalibrationStep(c.UserContext(), *req.Step)
	}
	if err != nil {
		return errorJSON(c, httpStatus(err), err)
	}
	s.broadcastStatus()
	return c.JSON(s.calibration())
}

func parseToggle(c *fiber.Ctx) (bool, error) {
	var req ToggleRequest
	if err := c.BodyParser(&req); err != nil {
		return false, err
	}
	if req.Enabled == nil {
		return false, errors.New("enabled is required")
	}
	return *req.Enabled, nil
}

func (s *Server) handleStereo(c *fiber.Ctx) error {
	v, err := parseToggle(c)
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, err)
	}
	got := s.ctrl.SetStereoEnabled(v)
	s.broadcastStatus()

	st := s.ctrl.Status()
	return c.JSON(fiber.Map{
		"enabled":   got,
		"available": st.Flags.StereoAvailable,
		"mode":      st.Mode,
	})
}

func (s *Server) handleBlur(c *fiber.Ctx) error {
	v, err := parseToggle(c)
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, err)
	}
	s.ctrl.SetBlur(v)
	s.broadcastStatus()
	return c.JSON(fiber.Map{"enabled": v})
}

func (s *Server) handleRealtime(c *fiber.Ctx) error {
	v, err := parseToggle(c)
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, err)
	}
	s.ctrl.SetRealtime(v)
	s.broadcastStatus()
	return c.JSON(fiber.Map{"enabled": v})
}

func (s *Server) handleFacing(c *fiber.Ctx) error {
	var req FacingRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, err)
	}
	facing, err := geometry.ParseFacing(req.Facing)
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, err)
	}
	if err := s.ctrl.SwitchFacing(c.UserContext(), facing); err != nil {
		return errorJSON(c, httpStatus(err), err)
	}
	s.broadcastStatus()
	return c.JSON(s.ctrl.Status())
}

func (s *Server) handleGetCamera(c *fiber.Ctx) error {
	if s.camera == nil {
		return fiber.ErrNotFound
	}
	return c.JSON(s.camera.GetConfigJSON())
}

// handleSetCamera applies a partial camera config. A facing change goes
// through the engine so the viewpoints and binding follow.
func (s *Server) handleSetCamera(c *fiber.Ctx) error {
	if s.camera == nil {
		return fiber.ErrNotFound
	}
	var params map[string]interface{}
	if err := c.BodyParser(&params); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, err)
	}

	if raw, ok := params["facing"]; ok {
		delete(params, "facing")
		name, _ := raw.(string)
		facing, err := geometry.ParseFacing(name)
		if err != nil {
			return errorJSON(c, fiber.StatusBadRequest, err)
		}
		if facing != s.camera.Facing() {
			if err := s.ctrl.SwitchFacing(c.UserContext(), facing); err != nil {
				return errorJSON(c, httpStatus(err), err)
			}
		}
	}
	if len(params) > 0 {
		if err := s.camera.UpdateConfig(params); err != nil {
			return errorJSON(c, fiber.StatusBadRequest, err)
		}
	}
	s.broadcastStatus()
	return c.JSON(s.camera.GetConfigJSON())
}

func (s *Server) handlePresets(c *fiber.Ctx) error {
	return c.JSON(camera.Presets())
}

func (s *Server) handleDetectOnce(c *fiber.Ctx) error {
	if err := s.ctrl.DetectOnce(); err != nil {
		return errorJSON(c, httpStatus(err), err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"mode": s.ctrl.Status().Mode})
}

func (s *Server) handleDualShot(c *fiber.Ctx) error {
	if err := s.ctrl.RequestDualShot(); err != nil {
		return errorJSON(c, httpStatus(err), err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"state": s.ctrl.Status().DualShot})
}

func (s *Server) handleLatest(c *fiber.Ctx) error {
	r, ok := s.Latest()
	if !ok {
		return c.SendStatus(fiber.StatusNoContent)
	}
	return c.JSON(r)
}

func (s *Server) handleNotices(c *fiber.Ctx) error {
	return c.JSON(s.Notices())
}

// handleDetectionsWS streams published detection sets, starting with the
// latest one if any.
func (s *Server) handleDetectionsWS(c *websocket.Conn) {
	var opts []hub.ClientOption
	if r, ok := s.Latest(); ok {
		if m, err := s.envelopeMessage(hub.KindDetections, r); err == nil {
			opts = append(opts, hub.WithGreeting(m))
		}
	}
	s.serveClient(s.detectionsHub, c, opts...)
}

// handleEventsWS streams notices, availability changes and status
// updates, starting with the current status.
func (s *Server) handleEventsWS(c *websocket.Conn) {
	var opts []hub.ClientOption
	if m, err := s.envelopeMessage(hub.KindStatus, s.ctrl.Status()); err == nil {
		opts = append(opts, hub.WithGreeting(m))
	}
	s.serveClient(s.eventsHub, c, opts...)
}

func (s *Server) serveClient(h *hub.Hub, c *websocket.Conn, opts ...hub.ClientOption) {
	client, err := hub.NewClient(h, c, opts...)
	if err != nil {
		s.logger.Debug("websocket refused", "error", err)
		return
	}
	client.Run()
}
