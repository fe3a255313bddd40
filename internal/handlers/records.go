package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/issj6/ad-router/internal/models"
	"github.com/issj6/ad-router/internal/store"
)

// RecordsHandler handles track record listing
type RecordsHandler struct {
	Store  *store.Store
	Logger *zap.Logger
}

// NewRecordsHandler creates a new records handler with dependencies
func NewRecordsHandler(st *store.Store, logger *zap.Logger) *RecordsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordsHandler{Store: st, Logger: logger}
}

// RecordsResponse represents the response structure for GET /v1/records
type RecordsResponse struct {
	Records []models.TrackRecord `json:"records"`
	HasMore bool                 `json:"has_more"`
}

// GetRecords handles GET /v1/records
// Query parameters:
//   - ds_id (required): downstream partner id
//   - limit (optional, default 25): number of records to return
//   - offset (optional, default 0): number of records to skip
func (h *RecordsHandler) GetRecords(c *fiber.Ctx) error {
	dsID := c.Query("ds_id")
	if dsID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "ds_id query parameter is required",
		})
	}

	limit := 25
	if limitStr := c.Query("limit"); limitStr != "" {
		parsedLimit, err := strconv.Atoi(limitStr)
		if err != nil || parsedLimit <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "limit must be a positive integer",
			})
		}
		limit = parsedLimit
	}

	offset := 0
	if offsetStr := c.Query("offset"); offsetStr != "" {
		parsedOffset, err := strconv.Atoi(offsetStr)
		if err != nil || parsedOffset < 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "offset must be a non-negative integer",
			})
		}
		offset = parsedOffset
	}

	// Fetch one extra to determine has_more
	recs, err := h.Store.List(c.UserContext(), dsID, limit+1, offset)
	if err != nil {
		h.Logger.Error("Failed to query track records",
			zap.String("ds_id", dsID),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch records",
		})
	}

	hasMore := len(recs) > limit
	if hasMore {
		recs = recs[:limit]
	}
	if recs == nil {
		recs = []models.TrackRecord{}
	}

	return c.JSON(RecordsResponse{Records: recs, HasMore: hasMore})
}
