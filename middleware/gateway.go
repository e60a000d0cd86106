// middleware/gateway.go
package middleware

import (
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// GatewayAuthMiddleware validates the Bearer token from the Gateway. Paths
// listed in public (exact match) are served without a token.
func GatewayAuthMiddleware(expectedToken string, public ...string) fiber.Handler {
	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}

	return func(c *fiber.Ctx) error {
		if open[c.Path()] {
			return c.Next()
		}

		authHeader := c.Get("Authorization")
		if authHeader == "" {
			slog.Warn("[GATEWAY_AUTH] missing Authorization header", "path", c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "gateway authentication token missing",
			})
		}

		// Parse "Bearer <token>"; a raw token is accepted too.
		token := strings.TrimPrefix(authHeader, "Bearer ")

		if expectedToken == "" || token != expectedToken {
			slog.Warn("[GATEWAY_AUTH] invalid token", "path", c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid gateway authentication token",
			})
		}

		return c.Next()
	}
}
