package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/jaredcannon/addon-manager/internal/models"
	"github.com/jaredcannon/addon-manager/internal/services"
)

// AddOnHandler handles add-on management HTTP requests
type AddOnHandler struct {
	orch    *services.Orchestrator
	checker *services.UpdateChecker
}

// NewAddOnHandler creates a new add-on handler. checker may be nil.
func NewAddOnHandler(orch *services.Orchestrator, checker *services.UpdateChecker) *AddOnHandler {
	return &AddOnHandler{orch: orch, checker: checker}
}

// InstallRequest represents the request body for installing add-ons
type InstallRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,dive,required"`
}

// UpdateRequest represents the request body for updating add-ons. No IDs means update all.
type UpdateRequest struct {
	IDs []string `json:"ids" validate:"omitempty,dive,required"`
}

// UninstallRequest represents the request body for uninstalling add-ons
type UninstallRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,dive,required"`
}

// AvailableAddOn is a remote catalog entry with its local status
type AvailableAddOn struct {
	models.AddOn
	InstalledVersion string `json:"installed_version,omitempty"`
	UpdateAvailable  bool   `json:"update_available"`
}

// ListInstalled handles GET /api/v1/addons
func (h *AddOnHandler) ListInstalled(c *fiber.Ctx) error {
	return c.JSON(h.orch.Local().AddOns())
}

// ListAvailable handles GET /api/v1/addons/available
func (h *AddOnHandler) ListAvailable(c *fiber.Ctx) error {
	remote, err := h.orch.Remote()
	if err != nil {
		return HandleError(c, 502, err, "Failed to load remote catalog")
	}

	local := h.orch.Local()
	compat := h.orch.Compatibility()
	out := make([]AvailableAddOn, 0, remote.Len())
	for _, a := range remote.AddOns() {
		entry := AvailableAddOn{AddOn: a}
		if status, err := h.orch.Status(a.ID); err == nil {
			entry.InstallationStatus = status
		}
		if installed, ok := local.Get(a.ID); ok {
			entry.InstalledVersion = installed.Version
			entry.UpdateAvailable = compat.IsUpdateTo(a, installed)
		}
		out = append(out, entry)
	}
	return c.JSON(out)
}

// GetStatus handles GET /api/v1/addons/:id/status
func (h *AddOnHandler) GetStatus(c *fiber.Ctx) error {
	id := c.Params("id")
	status, err := h.orch.Status(id)
	if err != nil {
		return HandleError(c, 500, err, "Failed to get add-on status")
	}

	resp := fiber.Map{"addon_id": id, "status": status}
	if remote, err := h.orch.Remote(); err == nil {
		if a, ok := remote.Get(id); ok && a.URL != "" {
			if pct, err := h.orch.Pipeline().ProgressPercent(a.URL); err == nil {
				resp["download_percent"] = pct
			}
		}
	}
	return c.JSON(resp)
}

// Install handles POST /api/v1/addons/install
func (h *AddOnHandler) Install(c *fiber.Ctx) error {
	var req InstallRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := ValidateRequest(&req); err != nil {
		return HandleError(c, 400, err, "Invalid request")
	}

	result, err := h.orch.Install(c.UserContext(), req.IDs)
	if err != nil {
		return h.operationError(c, result, err, "Failed to install add-ons")
	}
	return c.JSON(result)
}

// Update handles POST /api/v1/addons/update
func (h *AddOnHandler) Update(c *fiber.Ctx) error {
	var req UpdateRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}
	if err := ValidateRequest(&req); err != nil {
		return HandleError(c, 400, err, "Invalid request")
	}

	result, err := h.orch.Update(c.UserContext(), req.IDs)
	if err != nil {
		return h.operationError(c, result, err, "Failed to update add-ons")
	}
	return c.JSON(result)
}

// Uninstall handles POST /api/v1/addons/uninstall
func (h *AddOnHandler) Uninstall(c *fiber.Ctx) error {
	var req UninstallRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := ValidateRequest(&req); err != nil {
		return HandleError(c, 400, err, "Invalid request")
	}

	result, err := h.orch.Uninstall(c.UserContext(), req.IDs)
	if err != nil {
		return h.operationError(c, result, err, "Failed to uninstall add-ons")
	}
	return c.JSON(result)
}

// operationError reports a rejected operation together with the issues that caused it
func (h *AddOnHandler) operationError(c *fiber.Ctx, result services.OperationResult, err error, msg string) error {
	if len(result.Issues) > 0 && models.HasCode(err, models.ErrCodeResolutionFailed) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":  "Request cannot be satisfied",
			"code":   models.ErrCodeResolutionFailed,
			"issues": result.Issues,
		})
	}
	return HandleError(c, 500, err, msg)
}

// Reset handles POST /api/v1/addons/:id/reset
func (h *AddOnHandler) Reset(c *fiber.Ctx) error {
	if err := h.orch.ClearBlocked(c.Params("id")); err != nil {
		return HandleError(c, 500, err, "Failed to reset add-on")
	}
	return c.Status(204).Send(nil)
}

// GetUpdates handles GET /api/v1/addons/updates
func (h *AddOnHandler) GetUpdates(c *fiber.Ctx) error {
	if h.checker == nil {
		return c.Status(404).JSON(fiber.Map{
			"error": "Update checks are disabled",
		})
	}
	if report, ok := h.checker.LastReport(); ok {
		return c.JSON(report)
	}
	return h.CheckUpdates(c)
}

// CheckUpdates handles POST /api/v1/addons/updates/check
func (h *AddOnHandler) CheckUpdates(c *fiber.Ctx) error {
	if h.checker == nil {
		return c.Status(404).JSON(fiber.Map{
			"error": "Update checks are disabled",
		})
	}
	report, err := h.checker.Check()
	if err != nil {
		return HandleError(c, 502, err, "Failed to check for updates")
	}
	return c.JSON(report)
}

// ListOperations handles GET /api/v1/operations
func (h *AddOnHandler) ListOperations(c *fiber.Ctx) error {
	ops, err := h.orch.Store().ListOperations(c.QueryInt("limit", 50))
	if err != nil {
		return HandleError(c, 500, err, "Failed to list operations")
	}
	return c.JSON(ops)
}

// GetOperation handles GET /api/v1/operations/:id
func (h *AddOnHandler) GetOperation(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid operation ID",
		})
	}

	op, err := h.orch.Store().GetOperation(id)
	if err != nil {
		return HandleError(c, 500, err, "Failed to get operation")
	}
	return c.JSON(op)
}

// RegisterRoutes registers all add-on routes. Mutating routes go through guard.
func (h *AddOnHandler) RegisterRoutes(api fiber.Router, guard fiber.Handler) {
	addons := api.Group("/addons")
	addons.Get("/", h.ListInstalled)
	addons.Get("/available", h.ListAvailable)
	addons.Get("/updates", h.GetUpdates)
	addons.Get("/:id/status", h.GetStatus)
	addons.Post("/install", guard, h.Install)
	addons.Post("/update", guard, h.Update)
	addons.Post("/uninstall", guard, h.Uninstall)
	addons.Post("/updates/check", guard, h.CheckUpdates)
	addons.Post("/:id/reset", guard, h.Reset)

	ops := api.Group("/operations")
	ops.Get("/", h.ListOperations)
	ops.Get("/:id", h.GetOperation)
}
