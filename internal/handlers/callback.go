package handlers

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"

	"github.com/issj6/ad-router/internal/service"
)

// CallbackHandler handles upstream conversion callbacks
type CallbackHandler struct {
	Svc *service.Service
}

// NewCallbackHandler creates a new callback handler with dependencies
func NewCallbackHandler(svc *service.Service) *CallbackHandler {
	return &CallbackHandler{Svc: svc}
}

// Callback handles GET /cb?rid=...
// The rid correlates the callback with the original track request; the
// remaining query parameters, plus an optional JSON body, are the upstream's
// own payload.
func (h *CallbackHandler) Callback(c *fiber.Ctx) error {
	var body map[string]interface{}
	if raw := c.Body(); len(raw) > 0 {
		// A body that is not a JSON object is ignored rather than rejected;
		// the query parameters alone may still carry a valid callback.
		if err := json.Unmarshal(raw, &body); err != nil {
			body = nil
		}
	}
	status, resp := h.Svc.Callback(c.UserContext(), c.Query("rid"), c.Queries(), body)
	return c.Status(status).JSON(resp)
}
