package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/jaredcannon/addon-manager/internal/download"
)

// DownloadHandler exposes download pipeline progress
type DownloadHandler struct {
	pipeline *download.Pipeline
}

// NewDownloadHandler creates a new download handler
func NewDownloadHandler(pipeline *download.Pipeline) *DownloadHandler {
	return &DownloadHandler{pipeline: pipeline}
}

// CancelDownloadRequest identifies a download by URL
type CancelDownloadRequest struct {
	URL string `json:"url" validate:"required,url"`
}

// List handles GET /api/v1/downloads
func (h *DownloadHandler) List(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"active": h.pipeline.ActiveDownloadCount(),
		"tasks":  h.pipeline.AllTasks(),
	})
}

// Progress handles GET /api/v1/downloads/progress?url=...
func (h *DownloadHandler) Progress(c *fiber.Ctx) error {
	url := c.Query("url")
	if url == "" {
		return c.Status(400).JSON(fiber.Map{
			"error": "url query parameter is required",
		})
	}

	pct, err := h.pipeline.ProgressPercent(url)
	if errors.Is(err, download.ErrUnknownTask) {
		return c.Status(404).JSON(fiber.Map{
			"error": "Download not found",
		})
	}

	resp := fiber.Map{"url": url, "percent": pct}
	if err != nil {
		resp["error"] = sanitizeError(err, "Download failed")
	}
	return c.JSON(resp)
}

// Cancel handles POST /api/v1/downloads/cancel
func (h *DownloadHandler) Cancel(c *fiber.Ctx) error {
	var req CancelDownloadRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := ValidateRequest(&req); err != nil {
		return HandleError(c, 400, err, "Invalid request")
	}

	if err := h.pipeline.Cancel(req.URL); err != nil {
		if errors.Is(err, download.ErrUnknownTask) {
			return c.Status(404).JSON(fiber.Map{
				"error": "Download not found",
			})
		}
		return HandleError(c, 500, err, "Failed to cancel download")
	}
	return c.Status(204).Send(nil)
}

// RegisterRoutes registers download routes
func (h *DownloadHandler) RegisterRoutes(api fiber.Router, guard fiber.Handler) {
	downloads := api.Group("/downloads")
	downloads.Get("/", h.List)
	downloads.Get("/progress", h.Progress)
	downloads.Post("/cancel", guard, h.Cancel)
}
