package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/issj6/ad-router/internal/store"
)

// HealthHandler reports liveness of the storage collaborators
type HealthHandler struct {
	Store *store.Store
	Redis *redis.Client // nil when the debounce forwarder is disabled
}

// NewHealthHandler creates a new health handler with dependencies
func NewHealthHandler(st *store.Store, rdb *redis.Client) *HealthHandler {
	return &HealthHandler{Store: st, Redis: rdb}
}

type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

// HealthCheck handles the health check endpoint
func (h *HealthHandler) HealthCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	services := make(map[string]string)
	status := "healthy"

	if err := h.Store.HealthCheck(ctx); err != nil {
		services["database"] = "unhealthy: " + err.Error()
		status = "unhealthy"
	} else {
		services["database"] = "healthy"
	}

	if h.Redis != nil {
		if err := h.Redis.Ping(ctx).Err(); err != nil {
			services["redis"] = "unhealthy: " + err.Error()
			status = "unhealthy"
		} else {
			services["redis"] = "healthy"
		}
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  services,
	}

	if status == "unhealthy" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(response)
	}

	return c.JSON(response)
}
