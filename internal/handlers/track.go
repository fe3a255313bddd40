package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/issj6/ad-router/internal/service"
)

// TrackHandler handles the inbound event reporting endpoint
type TrackHandler struct {
	Svc *service.Service
}

// NewTrackHandler creates a new track handler with dependencies
func NewTrackHandler(svc *service.Service) *TrackHandler {
	return &TrackHandler{Svc: svc}
}

// Track handles GET /v1/track
// Query parameters:
//   - ds_id (required): downstream partner id
//   - event_type (required): click or imp
//   - ad_id, channel_id, click_id, ts, ip, ua, callback
//   - device_*, user_*, ext_*: nested attribute groups
//
// The response is always the uniform {success, code, message} envelope.
func (h *TrackHandler) Track(c *fiber.Ctx) error {
	status, resp := h.Svc.Track(c.UserContext(), c.Queries())
	return c.Status(status).JSON(resp)
}
