package controller

import (
	"errors"
	"log"

	"github.com/badoux/checkmail"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"dripflow/config"
	"dripflow/models"
	"dripflow/repository"
	"dripflow/utils"
)

var validate = validator.New()

type ContactController struct {
	store  repository.Store
	logger *log.Logger
}

func NewContactController(store repository.Store, logger *log.Logger) *ContactController {
	return &ContactController{store: store, logger: logger}
}

type createContactInput struct {
	Email      string            `json:"email" validate:"required,email"`
	FirstName  string            `json:"first_name"`
	LastName   string            `json:"last_name"`
	Attributes map[string]string `json:"attributes"`
}

// CreateContact registers a contact profile
func (cc *ContactController) CreateContact(c *fiber.Ctx) error {
	var input createContactInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := validate.Struct(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if err := checkmail.ValidateFormat(input.Email); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid email address", err)
	}
	if config.AppConfig.Environment == "production" {
		if ok, err := utils.ValidateMXRecords(input.Email); err != nil || !ok {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Email domain cannot receive mail", err)
		}
	}

	contact := &models.Contact{
		Email:      input.Email,
		FirstName:  input.FirstName,
		LastName:   input.LastName,
		Attributes: input.Attributes,
	}
	if err := cc.store.CreateContact(c.Context(), contact); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return utils.ErrorResponse(c, fiber.StatusConflict, "Contact already exists", nil)
		}
		cc.logger.Printf("Failed to create contact: %v", err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create contact", nil)
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(contact))
}

// GetContact returns one contact by id
func (cc *ContactController) GetContact(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	contact, err := cc.store.GetContact(c.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Contact not found", nil)
		}
		cc.logger.Printf("Failed to fetch contact %d: %v", id, err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch contact", nil)
	}
	return c.JSON(utils.SuccessResponse(contact))
}
