// middleware/auth.go
package middleware

import (
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// UserContextMiddleware extracts user identity and roles set by Gateway.
// Routes under /s/ require a user id.
func UserContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get("X-User-ID")
		rolesStr := c.Get("X-User-Roles")

		path := c.Path()
		if strings.HasPrefix(path, "/s/") && userID == "" {
			slog.Warn("[USER_CTX] X-User-ID required but missing on secured route", "path", path)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing X-User-ID: request must come through gateway with auth context",
			})
		}

		var roles []string
		if rolesStr != "" {
			for _, r := range strings.Split(rolesStr, ",") {
				r = strings.TrimSpace(r)
				if r != "" {
					roles = append(roles, r)
				}
			}
		}

		// Attach to ctx for handlers
		c.Locals("user_id", userID)
		c.Locals("user_roles", roles)

		slog.Debug("[USER_CTX] request context", "user_id", userID, "roles", roles, "path", path)
		return c.Next()
	}
}

// RequireUser rejects requests without a user id in context.
func RequireUser() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if uid, _ := c.Locals("user_id").(string); uid == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing user context",
			})
		}
		return c.Next()
	}
}

// RequireRole lets the request through only if the gateway granted role.
// Must run after UserContextMiddleware.
func RequireRole(role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		roles, _ := c.Locals("user_roles").([]string)
		for _, r := range roles {
			if r == role {
				return c.Next()
			}
		}
		slog.Warn("[USER_CTX] role required", "role", role, "path", c.Path())
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "insufficient role",
		})
	}
}
