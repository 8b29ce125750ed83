package routes

import (
	"log"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"

	controller "dripflow/controllers"
	"dripflow/engine"
	"dripflow/middleware"
	"dripflow/repository"
)

// Deps carries the engine services the routes hand to controllers.
type Deps struct {
	Store             repository.Store
	EnrollmentManager *engine.EnrollmentManager
	Tracker           *engine.Tracker
	Analytics         *engine.Analytics
}

func SetupRoutes(app *fiber.App, deps Deps) {
	contactController := controller.NewContactController(deps.Store, log.New(os.Stdout, "CONTACT: ", log.LstdFlags))
	sequenceController := controller.NewSequenceController(deps.Store, log.New(os.Stdout, "SEQUENCE: ", log.LstdFlags))
	enrollmentController := controller.NewEnrollmentController(deps.EnrollmentManager, log.New(os.Stdout, "ENROLLMENT: ", log.LstdFlags))
	trackingController := controller.NewTrackingController(deps.Tracker, log.New(os.Stdout, "TRACKING: ", log.LstdFlags))
	analyticsController := controller.NewAnalyticsController(deps.Analytics, deps.Store, log.New(os.Stdout, "ANALYTICS: ", log.LstdFlags))

	// API group with versioning
	api := app.Group("/api/v1", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Contact routes
	contacts := api.Group("/contacts")
	contacts.Post("/", contactController.CreateContact)
	contacts.Get("/:id", contactController.GetContact)

	// Sequence routes
	sequences := api.Group("/sequences")
	sequences.Post("/", sequenceController.CreateSequence)
	sequences.Get("/", sequenceController.ListSequences)
	sequences.Get("/:id", sequenceController.GetSequence)
	sequences.Patch("/:id/steps/:step", sequenceController.UpdateStep)
	sequences.Get("/:id/stats", analyticsController.GetSequenceStats)
	sequences.Get("/:id/recent-sends", analyticsController.GetRecentSends)

	// Reaction pool routes
	api.Post("/reaction-templates", sequenceController.CreateReactionTemplate)

	// Enrollment routes
	enrollments := api.Group("/enrollments")
	enrollments.Post("/", enrollmentController.Enroll)
	enrollments.Post("/:id/exit", enrollmentController.Exit)

	// Send routes
	api.Get("/sends/:id/reactions", analyticsController.GetSendReactions)

	// Provider callbacks and tracking endpoints, rate limited per IP
	callbacks := app.Group("", middleware.CallbackRateLimiter())
	callbacks.Post("/webhooks/delivery", trackingController.HandleDeliveryWebhook)
	callbacks.Get("/track/open/:messageID/:token", trackingController.TrackOpen)
	callbacks.Get("/track/click/:messageID/:token", trackingController.TrackClick)

	// Live stats over websocket
	app.Use("/api/v1/stats/live", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/api/v1/stats/live", websocket.New(analyticsController.HandleLiveStatsWS))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
}
