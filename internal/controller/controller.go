package controller

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"analytics-engine/internal/model"
	"analytics-engine/internal/service"
)

type AnalyticsController interface {
	IngestEvent(c *fiber.Ctx) error
	GetRealtimeMetrics(c *fiber.Ctx) error
	GetUserMetrics(c *fiber.Ctx) error
	GetPipelineResults(c *fiber.Ctx) error
	GetRetentionStatus(c *fiber.Ctx) error
}

// analyticsController exposes HTTP handlers for the operational query
// API and the HTTP ingestion endpoint.
type analyticsController struct {
	ingest    service.IngestService
	pipelines service.PipelineService
	retention service.RetentionService
}

// NewAnalyticsController builds an AnalyticsController.
func NewAnalyticsController(ingest service.IngestService, pipelines service.PipelineService, retention service.RetentionService) AnalyticsController {
	return &analyticsController{
		ingest:    ingest,
		pipelines: pipelines,
		retention: retention,
	}
}

// IngestEvent accepts single event payloads and hands them to the queue.
func (h *analyticsController) IngestEvent(c *fiber.Ctx) error {
	var req model.EventRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid json payload")
	}

	if err := h.ingest.PublishEvent(c.Context(), req); err != nil {
		if _, ok := err.(*service.ValidationError); ok {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return fiber.NewError(fiber.StatusInternalServerError, "failed to enqueue event")
	}

	return c.SendStatus(fiber.StatusAccepted)
}

// GetRealtimeMetrics returns the current window's counters. A window
// with no data yet yields zeroes, not an error.
func (h *analyticsController) GetRealtimeMetrics(c *fiber.Ctx) error {
	eventType := utils.Trim(c.Query("type"), ' ')
	category := utils.Trim(c.Query("category"), ' ')
	if eventType == "" || category == "" {
		return fiber.NewError(fiber.StatusBadRequest, "type and category are required")
	}

	metric, err := h.ingest.GetRealtimeMetrics(c.Context(), eventType, category)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch realtime metrics")
	}
	return c.JSON(metric)
}

// GetUserMetrics returns one user's bounded history and aggregates.
func (h *analyticsController) GetUserMetrics(c *fiber.Ctx) error {
	userID := c.Params("userId")
	eventType := utils.Trim(c.Query("type"), ' ')
	if userID == "" || eventType == "" {
		return fiber.NewError(fiber.StatusBadRequest, "userId and type are required")
	}

	metrics, err := h.ingest.GetUserMetrics(c.Context(), userID, eventType)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch user metrics")
	}
	return c.JSON(metrics)
}

// GetPipelineResults returns cached executions of a pipeline within an
// optional time range (unix seconds, defaults to the last 24 hours).
func (h *analyticsController) GetPipelineResults(c *fiber.Ctx) error {
	name := c.Params("name")
	if name == "" {
		return fiber.NewError(fiber.StatusBadRequest, "pipeline name is required")
	}

	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)

	if raw := utils.Trim(c.Query("from"), ' '); raw != "" {
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid from timestamp")
		}
		from = time.Unix(sec, 0).UTC()
	}
	if raw := utils.Trim(c.Query("to"), ' '); raw != "" {
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid to timestamp")
		}
		to = time.Unix(sec, 0).UTC()
	}
	if from.After(to) {
		return fiber.NewError(fiber.StatusBadRequest, "from must be before to")
	}

	results, err := h.pipelines.GetPipelineResults(c.Context(), name, from, to)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch pipeline results")
	}
	return c.JSON(results)
}

// GetRetentionStatus returns registered policies and live store metrics.
func (h *analyticsController) GetRetentionStatus(c *fiber.Ctx) error {
	status, err := h.retention.Status(c.Context())
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch retention status")
	}
	return c.JSON(status)
}
