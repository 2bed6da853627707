package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"analytics-engine/internal/controller"
)

// Register attaches all HTTP routes to the Fiber app.
func Register(app *fiber.App, analytics controller.AnalyticsController) {
	app.Post("/analytics/events", analytics.IngestEvent)
	app.Get("/analytics/realtime", analytics.GetRealtimeMetrics)
	app.Get("/analytics/users/:userId", analytics.GetUserMetrics)
	app.Get("/analytics/pipelines/:name/results", analytics.GetPipelineResults)
	app.Get("/analytics/retention/status", analytics.GetRetentionStatus)

	app.Get("/metrics/prometheus", adaptor.HTTPHandler(promhttp.Handler()))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
}
