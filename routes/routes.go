package routes

import (
	controller "drip/controllers"
	"drip/metrics"
	"drip/middleware"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Controllers groups the handlers mounted by SetupRoutes.
type Controllers struct {
	Automations *controller.AutomationController
	Events      *controller.EventController
	Scheduler   *controller.SchedulerController
	Alerts      *controller.AlertController
	Tracking    *controller.TrackingController
}

// Options tunes the shared middleware.
type Options struct {
	AllowedOrigins []string
	RateLimit      int
	Redis          *redis.Client
}

func SetupAPIRoutes(app *fiber.App, ctrl Controllers, opts Options) {
	api := app.Group("/api/v1", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// WebSocket route for the live scheduler view, outside the rate limit
	api.Get("/scheduler/stream", ctrl.Scheduler.UpgradeStream, websocket.New(ctrl.Scheduler.StreamStatus))

	limited := api.Group("", middleware.APIRateLimiter(opts.RateLimit, opts.Redis))

	// Automation routes
	automation := limited.Group("/automations")
	automation.Get("/", ctrl.Automations.GetAutomations)
	automation.Post("/", ctrl.Automations.CreateAutomation)
	automation.Get("/:id", ctrl.Automations.GetAutomation)
	automation.Put("/:id", ctrl.Automations.UpdateAutomation)
	automation.Delete("/:id", ctrl.Automations.DeleteAutomation)
	automation.Post("/:id/activate", ctrl.Automations.ActivateAutomation)
	automation.Post("/:id/pause", ctrl.Automations.PauseAutomation)

	// Enrollment routes
	automation.Get("/:id/enrollments", ctrl.Automations.GetEnrollments)
	automation.Get("/:id/enrollments/:enrollmentId", ctrl.Automations.GetEnrollment)
	automation.Post("/:id/enrollments/:enrollmentId/stop", ctrl.Automations.StopEnrollment)

	limited.Post("/events", ctrl.Events.PublishEvent)
	limited.Get("/scheduler", ctrl.Scheduler.GetStatus)
	limited.Get("/alerts", ctrl.Alerts.GetAlerts)
}

// SetupRoutes mounts the whole HTTP surface on app.
func SetupRoutes(app *fiber.App, ctrl Controllers, opts Options, log *logrus.Entry) {
	app.Use(middleware.CORS(middleware.DefaultCORSConfig(opts.AllowedOrigins)))
	app.Use(metrics.Middleware())

	// Setup health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Get("/track/open/:messageID/:token", ctrl.Tracking.HandleOpenTracking)
	app.Get("/track/click/:messageID/:token", ctrl.Tracking.HandleClickTracking)

	SetupAPIRoutes(app, ctrl, opts)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})

	log.Info("HTTP routes initialized")
}
