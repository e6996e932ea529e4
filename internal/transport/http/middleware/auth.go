package middleware

import (
	"strings"

	"github.com/cra-copilot/backend/internal/config"
	"github.com/gofiber/fiber/v2"
)

// UserIDKey is the fiber local holding the authenticated user id.
const UserIDKey = "user_id"

// UserAuth takes the user id from the bearer token. Websocket clients that
// cannot set headers may pass it as the "token" query parameter. When an API
// key is configured the X-API-Key header must match it as well.
func UserAuth(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if key := cfg.Auth.APIKey; key != "" && c.Get("X-API-Key") != key {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid api key",
			})
		}

		userID := bearerToken(c.Get("Authorization"))
		if userID == "" {
			userID = strings.TrimSpace(c.Query("token"))
		}
		if userID == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "authentication required",
			})
		}

		c.Locals(UserIDKey, userID)
		return c.Next()
	}
}

// UserID returns the id stored by UserAuth.
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(UserIDKey).(string)
	return id
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
