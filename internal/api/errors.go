package api

import (
	"errors"
	"log"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/jaredcannon/addon-manager/internal/models"
)

// Global validator instance
var validate = validator.New()

// ErrorResponse represents a sanitized error response for API clients
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// sanitizeError returns a user-friendly error message and logs the detailed error
func sanitizeError(err error, userMessage string) string {
	if err == nil {
		return userMessage
	}

	// Log the detailed error server-side for debugging
	log.Printf("[API Error] %s: %v", userMessage, err)

	errStr := err.Error()

	// Database errors
	if strings.Contains(errStr, "UNIQUE constraint") {
		return "A resource with this value already exists"
	}
	if strings.Contains(errStr, "record not found") || strings.Contains(errStr, "not found") {
		return "Resource not found"
	}

	// Keychain/credential errors
	if strings.Contains(errStr, "keyring") || strings.Contains(errStr, "keychain") {
		return "Failed to manage credentials securely"
	}

	// Catalog errors
	if strings.Contains(errStr, "remote catalog") {
		return "Add-on catalog is unavailable"
	}
	if strings.Contains(errStr, "unknown download") {
		return "Download not found"
	}

	return userMessage
}

// statusForCode maps an error code to the HTTP status it is reported with
func statusForCode(code string) int {
	switch code {
	case models.ErrCodeNotFound:
		return fiber.StatusNotFound
	case models.ErrCodeValidationFailed:
		return fiber.StatusBadRequest
	case models.ErrCodeMandatoryAddOn, models.ErrCodeResolutionFailed, models.ErrCodeFileCollision:
		return fiber.StatusConflict
	case models.ErrCodeIncompatibleHost:
		return fiber.StatusUnprocessableEntity
	case models.ErrCodeDownloadFailed, models.ErrCodeHashMismatch:
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}

// HandleError is a helper to return sanitized error responses. A coded
// error picks its own status; statusCode is used for everything else.
func HandleError(c *fiber.Ctx, statusCode int, err error, defaultMessage string) error {
	var apiErr *models.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Err != nil {
			log.Printf("[API Error] %s: %v", defaultMessage, apiErr.Err)
		}
		return c.Status(statusForCode(apiErr.Code)).JSON(ErrorResponse{
			Error:   apiErr.Message,
			Code:    apiErr.Code,
			Details: apiErr.Details,
		})
	}

	sanitized := sanitizeError(err, defaultMessage)
	return c.Status(statusCode).JSON(ErrorResponse{
		Error: sanitized,
	})
}

// ValidateRequest validates a request struct. The returned error is a
// VALIDATION_FAILED APIError naming the offending fields.
func ValidateRequest(req interface{}) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	log.Printf("[Validation Error] %v", err)

	var fields []string
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			fields = append(fields, fe.Field())
		}
	}
	return models.NewValidationError("Invalid request - please check your input and try again", fields)
}
