package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(secret string) *fiber.App {
	app := fiber.New()
	app.Post("/guarded", AuthMiddleware(secret), func(c *fiber.Ctx) error {
		subject, _ := c.Locals("subject").(string)
		return c.SendString(subject)
	})
	return app
}

func TestAuthMiddleware(t *testing.T) {
	const secret = "test-secret"
	app := newTestApp(secret)

	tests := []struct {
		name   string
		header func(t *testing.T) string
		status int
	}{
		{"missing header", func(t *testing.T) string { return "" }, 401},
		{"wrong scheme", func(t *testing.T) string { return "Basic abc" }, 401},
		{"garbage token", func(t *testing.T) string { return "Bearer not-a-jwt" }, 401},
		{"wrong secret", func(t *testing.T) string {
			tok, err := GenerateToken("other-secret", "cli", time.Hour)
			require.NoError(t, err)
			return "Bearer " + tok
		}, 401},
		{"expired", func(t *testing.T) string {
			tok, err := GenerateToken(secret, "cli", -time.Minute)
			require.NoError(t, err)
			return "Bearer " + tok
		}, 401},
		{"valid", func(t *testing.T) string {
			tok, err := GenerateToken(secret, "cli", time.Hour)
			require.NoError(t, err)
			return "Bearer " + tok
		}, 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/guarded", nil)
			if h := tt.header(t); h != "" {
				req.Header.Set("Authorization", h)
			}
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestAuthMiddleware_DisabledWithoutSecret(t *testing.T) {
	app := newTestApp("")

	resp, err := app.Test(httptest.NewRequest("POST", "/guarded", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	_, err = GenerateToken("", "cli", time.Hour)
	assert.ErrorIs(t, err, ErrNoSecret)
}
