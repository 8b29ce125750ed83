package controller

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"dripflow/models"
	"dripflow/repository"
	"dripflow/utils"
)

type SequenceController struct {
	store  repository.Store
	logger *log.Logger
}

func NewSequenceController(store repository.Store, logger *log.Logger) *SequenceController {
	return &SequenceController{store: store, logger: logger}
}

type stepInput struct {
	DelayDays  int    `json:"delay_days" validate:"min=0"`
	DelayHours int    `json:"delay_hours" validate:"min=0"`
	Subject    string `json:"subject" validate:"required"`
	Body       string `json:"body" validate:"required"`
	Category   string `json:"category" validate:"omitempty,oneof=welcome urgency case-study milestone"`
	IsActive   *bool  `json:"is_active"`
}

type createSequenceInput struct {
	Name        string      `json:"name" validate:"required"`
	Description string      `json:"description"`
	TriggerType string      `json:"trigger_type" validate:"omitempty,oneof=on_signup on_event manual"`
	IsActive    bool        `json:"is_active"`
	Steps       []stepInput `json:"steps" validate:"required,min=1,dive"`
}

// CreateSequence creates a sequence with its ordered steps
func (sc *SequenceController) CreateSequence(c *fiber.Ctx) error {
	var input createSequenceInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := validate.Struct(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	sequence := &models.Sequence{
		Name:        input.Name,
		Description: input.Description,
		TriggerType: input.TriggerType,
		IsActive:    input.IsActive,
	}
	if sequence.TriggerType == "" {
		sequence.TriggerType = models.TriggerManual
	}
	for i, step := range input.Steps {
		active := true
		if step.IsActive != nil {
			active = *step.IsActive
		}
		category := step.Category
		if category == "" {
			category = models.CategoryWelcome
		}
		sequence.Steps = append(sequence.Steps, models.SequenceStep{
			StepIndex:  i,
			DelayDays:  step.DelayDays,
			DelayHours: step.DelayHours,
			Subject:    step.Subject,
			Body:       step.Body,
			Category:   category,
			IsActive:   active,
		})
	}

	if err := sc.store.CreateSequence(c.Context(), sequence); err != nil {
		sc.logger.Printf("Failed to create sequence: %v", err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create sequence", nil)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(sequence))
}

// GetSequence returns a sequence with its steps
func (sc *SequenceController) GetSequence(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	sequence, err := sc.store.GetSequence(c.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
		}
		sc.logger.Printf("Failed to fetch sequence %d: %v", id, err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch sequence", nil)
	}
	return c.JSON(utils.SuccessResponse(sequence))
}

// ListSequences returns all sequences
func (sc *SequenceController) ListSequences(c *fiber.Ctx) error {
	sequences, err := sc.store.ListSequences(c.Context())
	if err != nil {
		sc.logger.Printf("Failed to list sequences: %v", err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list sequences", nil)
	}
	return c.JSON(utils.SuccessResponse(sequences))
}

// UpdateStep edits one step's content or toggles it. Content and delay
// edits are rejected once the sequence has sends: live enrollments
// would otherwise be rescheduled retroactively. Toggling is always
// allowed; a disabled step is skipped, it never shifts later steps.
func (sc *SequenceController) UpdateStep(c *fiber.Ctx) error {
	sequenceID := utils.ParseUint(c.Params("id"))
	stepIndex := int(utils.ParseUint(c.Params("step")))

	var input struct {
		DelayDays  *int    `json:"delay_days"`
		DelayHours *int    `json:"delay_hours"`
		Subject    *string `json:"subject"`
		Body       *string `json:"body"`
		Category   *string `json:"category"`
		IsActive   *bool   `json:"is_active"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	sequence, err := sc.store.GetSequence(c.Context(), sequenceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch sequence", nil)
	}
	step := sequence.StepAt(stepIndex)
	if step == nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Step not found", nil)
	}

	contentEdit := input.DelayDays != nil || input.DelayHours != nil ||
		input.Subject != nil || input.Body != nil || input.Category != nil
	if contentEdit {
		hasSends, err := sc.store.HasSends(c.Context(), sequenceID)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to check sequence activity", nil)
		}
		if hasSends {
			return utils.ErrorResponse(c, fiber.StatusConflict,
				"Sequence already has sends; steps can only be enabled or disabled", nil)
		}
	}

	if input.DelayDays != nil {
		step.DelayDays = *input.DelayDays
	}
	if input.DelayHours != nil {
		step.DelayHours = *input.DelayHours
	}
	if input.Subject != nil {
		step.Subject = *input.Subject
	}
	if input.Body != nil {
		step.Body = *input.Body
	}
	if input.Category != nil {
		step.Category = *input.Category
	}
	if input.IsActive != nil {
		step.IsActive = *input.IsActive
	}

	if err := sc.store.UpdateSequence(c.Context(), sequence); err != nil {
		sc.logger.Printf("Failed to update sequence %d: %v", sequenceID, err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update step", nil)
	}
	return c.JSON(utils.SuccessResponse(step))
}

// CreateReactionTemplate adds an entry to a reaction content pool
func (sc *SequenceController) CreateReactionTemplate(c *fiber.Ctx) error {
	var input struct {
		Category    string `json:"category" validate:"required,oneof=welcome urgency case-study milestone"`
		AuthorLabel string `json:"author_label" validate:"required"`
		Body        string `json:"body" validate:"required"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := validate.Struct(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	tpl := &models.ReactionTemplate{
		Category:    input.Category,
		AuthorLabel: input.AuthorLabel,
		Body:        input.Body,
		IsActive:    true,
	}
	if err := sc.store.CreatePoolEntry(c.Context(), tpl); err != nil {
		sc.logger.Printf("Failed to create reaction template: %v", err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create reaction template", nil)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(tpl))
}
