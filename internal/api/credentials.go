package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/jaredcannon/addon-manager/internal/services"
)

// CredentialHandler manages bearer tokens for private add-on repositories
type CredentialHandler struct {
	creds *services.CredentialService
}

// NewCredentialHandler creates a new credential handler
func NewCredentialHandler(creds *services.CredentialService) *CredentialHandler {
	return &CredentialHandler{creds: creds}
}

// StoreTokenRequest represents the request body for storing a repository token
type StoreTokenRequest struct {
	Token string `json:"token" validate:"required"`
}

// ListHosts handles GET /api/v1/credentials
func (h *CredentialHandler) ListHosts(c *fiber.Ctx) error {
	hosts, err := h.creds.ListHosts()
	if err != nil {
		return HandleError(c, 500, err, "Failed to list credentials")
	}
	if hosts == nil {
		hosts = []string{}
	}
	return c.JSON(fiber.Map{"hosts": hosts})
}

// StoreToken handles PUT /api/v1/credentials/:host
func (h *CredentialHandler) StoreToken(c *fiber.Ctx) error {
	var req StoreTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := ValidateRequest(&req); err != nil {
		return HandleError(c, 400, err, "Invalid request")
	}

	if err := h.creds.StoreToken(c.Params("host"), req.Token); err != nil {
		return HandleError(c, 500, err, "Failed to store token")
	}
	return c.Status(204).Send(nil)
}

// DeleteToken handles DELETE /api/v1/credentials/:host
func (h *CredentialHandler) DeleteToken(c *fiber.Ctx) error {
	if err := h.creds.DeleteToken(c.Params("host")); err != nil {
		return HandleError(c, 500, err, "Failed to delete token")
	}
	return c.Status(204).Send(nil)
}

// RegisterRoutes registers credential routes. Every route goes through guard.
func (h *CredentialHandler) RegisterRoutes(api fiber.Router, guard fiber.Handler) {
	creds := api.Group("/credentials", guard)
	creds.Get("/", h.ListHosts)
	creds.Put("/:host", h.StoreToken)
	creds.Delete("/:host", h.DeleteToken)
}
