package api

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/jaredcannon/addon-manager/internal/middleware"
	ws "github.com/jaredcannon/addon-manager/internal/websocket"
)

// WebSocketHandler streams add-on and download events
type WebSocketHandler struct {
	hub    *ws.Hub
	secret string
}

// NewWebSocketHandler creates a new WebSocket handler. With a secret the
// upgrade requires a token in the token query parameter.
func NewWebSocketHandler(hub *ws.Hub, secret string) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, secret: secret}
}

// HandleConnection runs one client until it disconnects. Channels listed in
// the channels query parameter are subscribed before the first broadcast.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	client := ws.NewClient(h.hub, c)
	if raw, ok := c.Locals("channels").(string); ok && raw != "" {
		client.Subscribe(strings.Split(raw, ",")...)
	}
	client.Start()
	client.Wait()
}

// upgrade admits websocket upgrades and checks the query token
func (h *WebSocketHandler) upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if h.secret != "" {
		if _, err := middleware.ParseToken([]byte(h.secret), c.Query("token")); err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}
	}
	c.Locals("channels", strings.Clone(c.Query("channels")))
	return c.Next()
}

// RegisterRoutes registers WebSocket routes
func (h *WebSocketHandler) RegisterRoutes(app *fiber.App) {
	app.Use("/ws", h.upgrade)
	app.Get("/ws", websocket.New(h.HandleConnection))
}
