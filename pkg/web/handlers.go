package web

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/teslashibe/go-voicecall/pkg/call"
	"github.com/teslashibe/go-voicecall/pkg/hub"
	"github.com/teslashibe/go-voicecall/pkg/transport"
)

// MuteRequest is the optional body of POST /api/mute. Without a body the
// mute state is toggled.
type MuteRequest struct {
	Muted *bool `json:"muted"`
}

// MessageRequest is the body of POST /api/message.
type MessageRequest struct {
	Content string `json:"content"`
}

// handleStatus returns the current call snapshot
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.call.Snapshot())
}

// handleConversation returns the conversation log
func (s *Server) handleConversation(c *fiber.Ctx) error {
	return c.JSON(s.call.Log())
}

func (s *Server) handleMute(c *fiber.Ctx) error {
	var req MuteRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fail(c, fiber.StatusBadRequest, err)
		}
	}

	var (
		muted bool
		err   error
	)
	if req.Muted != nil {
		muted = *req.Muted
		err = s.call.SetMuted(muted)
	} else {
		muted, err = s.call.ToggleMute()
	}
	if err != nil {
		return fail(c, statusFor(err), err)
	}
	return c.JSON(fiber.Map{"muted": muted})
}

func (s *Server) handleInterrupt(c *fiber.Ctx) error {
	if err := s.call.Interrupt(); err != nil {
		return fail(c, statusFor(err), err)
	}
	return c.JSON(s.call.Snapshot())
}

func (s *Server) handleMessage(c *fiber.Ctx) error {
	var req MessageRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, err)
	}
	if err := s.call.SendText(req.Content); err != nil {
		return fail(c, statusFor(err), err)
	}
	return c.Status(fiber.StatusAccepted).JSON(s.call.Snapshot())
}

func (s *Server) handleEnd(c *fiber.Ctx) error {
	if err := s.call.EndCall(); err != nil {
		// The call is over either way; report the teardown error.
		s.logger.Warn("call ended with error", "error", err)
	}
	return c.JSON(s.call.Snapshot())
}

// serveHub registers each websocket connection with h until it closes.
func (s *Server) serveHub(h *hub.Hub) func(*websocket.Conn) {
	return func(conn *websocket.Conn) {
		client, err := hub.NewClient(h, conn)
		if err != nil {
			return
		}
		client.Run()
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, call.ErrEmptyMessage):
		return fiber.StatusBadRequest
	case errors.Is(err, call.ErrBusy), errors.Is(err, transport.ErrNotConnected):
		return fiber.StatusConflict
	case errors.Is(err, call.ErrEnded):
		return fiber.StatusGone
	case errors.Is(err, call.ErrNotStarted):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func fail(c *fiber.Ctx, status int, err error) error {
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}
