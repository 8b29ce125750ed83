package controller

import (
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"dripflow/engine"
	"dripflow/models"
	"dripflow/utils"
)

type EnrollmentController struct {
	manager *engine.EnrollmentManager
	logger  *log.Logger
}

func NewEnrollmentController(manager *engine.EnrollmentManager, logger *log.Logger) *EnrollmentController {
	return &EnrollmentController{manager: manager, logger: logger}
}

type enrollInput struct {
	ContactID  uint       `json:"contact_id" validate:"required"`
	SequenceID uint       `json:"sequence_id" validate:"required"`
	StartTime  *time.Time `json:"start_time"`
}

// Enroll starts a contact on a sequence
func (ec *EnrollmentController) Enroll(c *fiber.Ctx) error {
	var input enrollInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := validate.Struct(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	var startTime time.Time
	if input.StartTime != nil {
		startTime = *input.StartTime
	}

	enrollment, err := ec.manager.Enroll(c.Context(), input.ContactID, input.SequenceID, startTime)
	if err != nil {
		var already *engine.AlreadyEnrolledError
		var notFound *engine.NotFoundError
		var invalid *engine.ValidationError
		switch {
		case errors.As(err, &already):
			return utils.ErrorResponse(c, fiber.StatusConflict, "Contact is already enrolled in this sequence", nil)
		case errors.As(err, &notFound):
			return utils.ErrorResponse(c, fiber.StatusNotFound, err.Error(), nil)
		case errors.As(err, &invalid):
			return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
		default:
			ec.logger.Printf("Failed to enroll contact %d: %v", input.ContactID, err)
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to enroll contact", nil)
		}
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(enrollment))
}

// Exit removes an enrollment from its sequence
func (ec *EnrollmentController) Exit(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))

	var input struct {
		Reason string `json:"reason" validate:"omitempty,oneof=unsubscribed converted manual"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := validate.Struct(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if input.Reason == "" {
		input.Reason = models.ExitManual
	}

	if err := ec.manager.Exit(c.Context(), id, input.Reason); err != nil {
		var notFound *engine.NotFoundError
		if errors.As(err, &notFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Enrollment not found", nil)
		}
		ec.logger.Printf("Failed to exit enrollment %d: %v", id, err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to exit enrollment", nil)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
