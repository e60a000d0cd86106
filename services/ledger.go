package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pickup-match-system/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerService exposes read access to the no-show ledger.
type LedgerService struct {
	DB *gorm.DB
}

func NewLedgerService(db *gorm.DB) *LedgerService {
	return &LedgerService{DB: db}
}

// DebtOf folds an adjustment history into outstanding debt:
// Σ penalty magnitudes − Σ recovery magnitudes.
func DebtOf(adjustments []models.RatingAdjustment) int64 {
	var debt int64
	for _, a := range adjustments {
		switch a.Kind {
		case models.AdjustmentPenalty:
			debt += a.Magnitude
		case models.AdjustmentRecovery:
			debt -= a.Magnitude
		}
	}
	return debt
}

// Debt returns the outstanding debt for userID.
func (s *LedgerService) Debt(ctx context.Context, userID string) (int64, error) {
	return debtOf(s.DB.WithContext(ctx), userID)
}

// Adjustments returns the user's ledger rows, newest first. limit <= 0 means all.
func (s *LedgerService) Adjustments(ctx context.Context, userID string, limit int) ([]models.RatingAdjustment, error) {
	var rows []models.RatingAdjustment
	q := s.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list adjustments for %s: %w", userID, err)
	}
	return rows, nil
}

// Adjustment looks up the single row for (user, match, kind).
func (s *LedgerService) Adjustment(ctx context.Context, userID, matchID string, kind models.AdjustmentKind) (models.RatingAdjustment, bool, error) {
	var adj models.RatingAdjustment
	err := s.DB.WithContext(ctx).
		Where("user_id = ? AND match_id = ? AND kind = ?", userID, matchID, kind).
		First(&adj).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return adj, false, nil
	}
	if err != nil {
		return adj, false, err
	}
	return adj, true, nil
}

// Streak returns the user's streak state; users never processed have a zero streak.
func (s *LedgerService) Streak(ctx context.Context, userID string) (models.RecoveryStreakState, error) {
	state := models.RecoveryStreakState{UserID: userID}
	err := s.DB.WithContext(ctx).Where("user_id = ?", userID).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.RecoveryStreakState{UserID: userID}, nil
	}
	return state, err
}

// debtOf computes debt inside the caller's transaction.
func debtOf(tx *gorm.DB, userID string) (int64, error) {
	var totals []struct {
		Kind  models.AdjustmentKind
		Total int64
	}
	err := tx.Model(&models.RatingAdjustment{}).
		Select("kind, COALESCE(SUM(magnitude), 0) AS total").
		Where("user_id = ?", userID).
		Group("kind").
		Scan(&totals).Error
	if err != nil {
		return 0, fmt.Errorf("failed to compute debt for %s: %w", userID, err)
	}
	adjustments := make([]models.RatingAdjustment, 0, len(totals))
	for _, t := range totals {
		adjustments = append(adjustments, models.RatingAdjustment{Kind: t.Kind, Magnitude: t.Total})
	}
	return DebtOf(adjustments), nil
}

// insertAdjustment appends a ledger row unless one already exists for
// (user, match, kind). It reports whether this call created the row.
func insertAdjustment(tx *gorm.DB, userID, matchID string, kind models.AdjustmentKind, magnitude int64, metadata interface{}) (models.RatingAdjustment, bool, error) {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return models.RatingAdjustment{}, false, fmt.Errorf("failed to encode adjustment metadata: %w", err)
	}
	adj := models.RatingAdjustment{
		ID:        uuid.NewString(),
		UserID:    userID,
		MatchID:   matchID,
		Kind:      kind,
		Magnitude: magnitude,
		Metadata:  string(meta),
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&adj)
	if res.Error != nil {
		return adj, false, fmt.Errorf("failed to insert %s for user %s match %s: %w", kind, userID, matchID, res.Error)
	}
	return adj, res.RowsAffected == 1, nil
}
