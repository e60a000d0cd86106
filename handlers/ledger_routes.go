// handlers/ledger_routes.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"pickup-match-system/middleware"
	"pickup-match-system/models"
	"pickup-match-system/services"

	"github.com/gofiber/fiber/v2"
)

const (
	defaultLedgerLimit = 50
	maxLedgerLimit     = 200
)

// PassRunner runs the no-show pass for one match.
type PassRunner interface {
	ProcessMatch(ctx context.Context, matchID string) (*services.PassResult, error)
}

// LedgerReader is the read side of the no-show ledger.
type LedgerReader interface {
	Debt(ctx context.Context, userID string) (int64, error)
	Adjustments(ctx context.Context, userID string, limit int) ([]models.RatingAdjustment, error)
	Streak(ctx context.Context, userID string) (models.RecoveryStreakState, error)
}

// AdjustmentView is a ledger row with its metadata decoded for clients.
type AdjustmentView struct {
	ID        string                `json:"id"`
	MatchID   string                `json:"match_id"`
	Kind      models.AdjustmentKind `json:"kind"`
	Magnitude int64                 `json:"magnitude"`
	Metadata  json.RawMessage       `json:"metadata,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
}

func toViews(rows []models.RatingAdjustment) []AdjustmentView {
	out := make([]AdjustmentView, 0, len(rows))
	for _, r := range rows {
		v := AdjustmentView{
			ID:        r.ID,
			MatchID:   r.MatchID,
			Kind:      r.Kind,
			Magnitude: r.Magnitude,
			CreatedAt: r.CreatedAt.UTC(),
		}
		if json.Valid([]byte(r.Metadata)) {
			v.Metadata = json.RawMessage(r.Metadata)
		}
		out = append(out, v)
	}
	return out
}

func SetupLedgerRoutes(app *fiber.App, runner PassRunner, ledger LedgerReader) {
	// The gateway forwards /api/v1/matches/s/user/ledger -> /user/ledger
	securedGroup := app.Group("/user", middleware.UserContextMiddleware(), middleware.RequireUser())

	securedGroup.Get("/ledger", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)
		return ledgerResponse(c, ledger, userID)
	})

	securedGroup.Get("/ledger/debt", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)
		debt, err := ledger.Debt(c.UserContext(), userID)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to compute debt",
				"cause": err.Error(),
			})
		}
		return c.JSON(fiber.Map{"user_id": userID, "debt": debt})
	})

	securedGroup.Get("/streak", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(string)
		state, err := ledger.Streak(c.UserContext(), userID)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "failed to load streak",
				"cause": err.Error(),
			})
		}
		return c.JSON(state)
	})

	adminGroup := app.Group("/s/admin", middleware.UserContextMiddleware(), middleware.RequireRole("admin"))

	adminGroup.Post("/matches/:id/noshow", func(c *fiber.Ctx) error {
		matchID := c.Params("id")
		result, err := runner.ProcessMatch(c.UserContext(), matchID)
		switch {
		case errors.Is(err, services.ErrInputUnavailable):
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "match input unavailable, nothing applied",
				"cause": err.Error(),
			})
		case errors.Is(err, services.ErrMatchCancelled):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "match was cancelled",
			})
		case err != nil:
			slog.Error("no-show pass failed", "match_id", matchID, "error", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "no-show pass failed",
				"cause": err.Error(),
			})
		}
		return c.JSON(result)
	})

	adminGroup.Get("/users/:user_id/ledger", func(c *fiber.Ctx) error {
		return ledgerResponse(c, ledger, c.Params("user_id"))
	})
}

func ledgerResponse(c *fiber.Ctx, ledger LedgerReader, userID string) error {
	limit := defaultLedgerLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid limit"})
		}
		limit = min(n, maxLedgerLimit)
	}

	ctx := c.UserContext()
	rows, err := ledger.Adjustments(ctx, userID, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to load ledger",
			"cause": err.Error(),
		})
	}
	debt, err := ledger.Debt(ctx, userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to compute debt",
			"cause": err.Error(),
		})
	}
	streak, err := ledger.Streak(ctx, userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to load streak",
			"cause": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"user_id":     userID,
		"debt":        debt,
		"streak":      streak.Streak,
		"adjustments": toViews(rows),
	})
}
