package controller

import (
	"errors"
	"log"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"

	"dripflow/engine"
	"dripflow/models"
	"dripflow/utils"
)

// transparentGIF is the 1x1 pixel served to open-tracking requests
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

type TrackingController struct {
	tracker *engine.Tracker
	logger  *log.Logger
}

func NewTrackingController(tracker *engine.Tracker, logger *log.Logger) *TrackingController {
	return &TrackingController{tracker: tracker, logger: logger}
}

// HandleDeliveryWebhook ingests provider events (delivered, bounced,
// opened, clicked, replied) keyed by message id
func (tc *TrackingController) HandleDeliveryWebhook(c *fiber.Ctx) error {
	var input struct {
		EventType string `json:"event_type" validate:"required,oneof=delivered opened clicked bounced replied"`
		MessageID string `json:"message_id" validate:"required"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := validate.Struct(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	var at time.Time
	if input.Timestamp > 0 {
		at = time.Unix(input.Timestamp, 0).UTC()
	}

	err := tc.tracker.RecordEventByMessageID(c.Context(), input.MessageID, input.EventType, at)
	if err != nil {
		// The channel replays callbacks and cannot react to a 4xx, so
		// unmatched events are logged and dropped, never bounced back.
		var notFound *engine.NotFoundError
		if errors.As(err, &notFound) {
			tc.logger.Printf("Dropping %s event for unknown message %s", input.EventType, input.MessageID)
			return c.Status(fiber.StatusAccepted).JSON(utils.SuccessResponse(fiber.Map{"recorded": false}))
		}
		tc.logger.Printf("Failed to record %s event for %s: %v", input.EventType, input.MessageID, err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to record event", nil)
	}
	return c.Status(fiber.StatusAccepted).JSON(utils.SuccessResponse(fiber.Map{"recorded": true}))
}

// TrackOpen serves the tracking pixel and records the open. The pixel
// is always returned, even for unknown or forged tokens, so clients
// render identically either way.
func (tc *TrackingController) TrackOpen(c *fiber.Ctx) error {
	messageID := c.Params("messageID")
	token := c.Params("token")

	if utils.ValidateTrackingToken(messageID, token) {
		if err := tc.tracker.RecordEventByMessageID(c.Context(), messageID, models.EventOpened, time.Now().UTC()); err != nil {
			tc.logger.Printf("Failed to record open for %s: %v", messageID, err)
		}
	}

	c.Set("Content-Type", "image/gif")
	c.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	return c.Send(transparentGIF)
}

// TrackClick records the click and redirects to the original URL
func (tc *TrackingController) TrackClick(c *fiber.Ctx) error {
	messageID := c.Params("messageID")
	token := c.Params("token")
	target := c.Query("url")

	decoded, err := url.QueryUnescape(target)
	if err != nil || decoded == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Missing redirect target", nil)
	}
	parsed, err := url.Parse(decoded)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid redirect target", nil)
	}

	if utils.ValidateTrackingToken(messageID, token) {
		if err := tc.tracker.RecordEventByMessageID(c.Context(), messageID, models.EventClicked, time.Now().UTC()); err != nil {
			tc.logger.Printf("Failed to record click for %s: %v", messageID, err)
		}
	}

	return c.Redirect(decoded, fiber.StatusFound)
}
