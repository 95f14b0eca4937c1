package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	apperrors "github.com/adverant/nexus/answer-extraction-worker/internal/errors"
)

// APIResponse describes the common structure for API responses
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message"`
	Code    string      `json:"code,omitempty"`
}

func sendSuccess(c *fiber.Ctx, status int, message string, data interface{}) error {
	if message == "" {
		message = "success"
	}
	return c.Status(status).JSON(APIResponse{Success: true, Data: data, Message: message})
}

func sendError(c *fiber.Ctx, status int, code, message string) error {
	if message == "" {
		message = "error"
	}
	return c.Status(status).JSON(APIResponse{Success: false, Message: message, Code: code})
}

// statusFor maps pipeline errors to HTTP status codes
func statusFor(err error) int {
	var pe *apperrors.ProcessingError
	if !errors.As(err, &pe) {
		return fiber.StatusInternalServerError
	}
	switch pe.Code {
	case apperrors.ErrorInvalidRequest, apperrors.ErrorInvalidDocument:
		return fiber.StatusBadRequest
	case apperrors.ErrorNotFound:
		return fiber.StatusNotFound
	case apperrors.ErrorNoAssignments, apperrors.ErrorRenderFailed:
		return fiber.StatusUnprocessableEntity
	case apperrors.ErrorProcessingTimeout:
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}

func sendProcessingError(c *fiber.Ctx, err error) error {
	var pe *apperrors.ProcessingError
	code := ""
	if errors.As(err, &pe) {
		code = string(pe.Code)
	}
	return sendError(c, statusFor(err), code, err.Error())
}
