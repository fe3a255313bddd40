package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/issj6/ad-router/internal/handlers"
)

// SetupRoutes configures all application routes with dependencies
func SetupRoutes(app *fiber.App,
	trackHandler *handlers.TrackHandler,
	callbackHandler *handlers.CallbackHandler,
	recordsHandler *handlers.RecordsHandler,
	healthHandler *handlers.HealthHandler,
) {
	// Health check endpoint
	app.Get("/health", healthHandler.HealthCheck)

	// Upstream conversion callbacks hit the short path embedded in the
	// rendered templates.
	app.Get("/cb", callbackHandler.Callback)

	// API v1 routes
	api := app.Group("/v1")
	{
		api.Get("/track", trackHandler.Track)
		api.Get("/records", recordsHandler.GetRecords)
	}
}
