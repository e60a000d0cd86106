package services

import (
	"context"
	"errors"
	"fmt"

	"pickup-match-system/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Counter fields the ledger is allowed to move on a player profile.
const (
	FieldRating           = "rating"
	FieldMatchesAbandoned = "matches_abandoned"
)

var ErrUnknownDeltaField = errors.New("unknown delta field")

// DeltaApplier is the increment capability the ledger depends on: add amount
// to field of the user's stored profile. Implementations must tolerate being
// called more than once for the same logical change failing midway.
type DeltaApplier interface {
	ApplyDelta(ctx context.Context, userID, field string, amount int64) error
}

// ProfileService owns PlayerProfile rows and implements DeltaApplier on them.
type ProfileService struct {
	DB            *gorm.DB
	DefaultRating int64
}

func NewProfileService(db *gorm.DB, defaultRating int64) *ProfileService {
	return &ProfileService{DB: db, DefaultRating: defaultRating}
}

// EnsureProfile ensures a PlayerProfile row exists (idempotent)
func (s *ProfileService) EnsureProfile(ctx context.Context, userID string) (*models.PlayerProfile, error) {
	return s.ensureProfile(s.DB.WithContext(ctx), userID)
}

func (s *ProfileService) ensureProfile(tx *gorm.DB, userID string) (*models.PlayerProfile, error) {
	prof := models.PlayerProfile{
		ID:             uuid.NewString(),
		ExternalUserID: userID,
		Rating:         s.DefaultRating,
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_user_id"}},
		DoNothing: true,
	}).Create(&prof).Error; err != nil {
		return nil, err
	}
	var stored models.PlayerProfile
	if err := tx.Where("external_user_id = ?", userID).First(&stored).Error; err != nil {
		return nil, err
	}
	return &stored, nil
}

// Profile returns the stored profile, creating it with the default rating if absent.
func (s *ProfileService) Profile(ctx context.Context, userID string) (*models.PlayerProfile, error) {
	var prof models.PlayerProfile
	err := s.DB.WithContext(ctx).Where("external_user_id = ?", userID).First(&prof).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.EnsureProfile(ctx, userID)
	}
	if err != nil {
		return nil, err
	}
	return &prof, nil
}

// ApplyDelta tries a single atomic UPDATE first. When that fails or finds no
// row, it falls back to a locked read-modify-write that also creates the
// profile on first touch.
func (s *ProfileService) ApplyDelta(ctx context.Context, userID, field string, amount int64) error {
	if field != FieldRating && field != FieldMatchesAbandoned {
		return fmt.Errorf("%w: %q", ErrUnknownDeltaField, field)
	}

	res := s.DB.WithContext(ctx).
		Model(&models.PlayerProfile{}).
		Where("external_user_id = ?", userID).
		Update(field, gorm.Expr(field+" + ?", amount))
	if res.Error == nil && res.RowsAffected == 1 {
		return nil
	}

	if err := s.applyDeltaFallback(ctx, userID, field, amount); err != nil {
		if res.Error != nil {
			return fmt.Errorf("atomic update failed (%v), fallback failed: %w", res.Error, err)
		}
		return err
	}
	return nil
}

func (s *ProfileService) applyDeltaFallback(ctx context.Context, userID, field string, amount int64) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ensureProfile(tx, userID); err != nil {
			return fmt.Errorf("failed to ensure profile for %s: %w", userID, err)
		}

		var prof models.PlayerProfile
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("external_user_id = ?", userID).
			First(&prof).Error; err != nil {
			return err
		}

		switch field {
		case FieldRating:
			prof.Rating += amount
		case FieldMatchesAbandoned:
			prof.MatchesAbandoned += amount
		}

		return tx.Model(&prof).Updates(map[string]interface{}{
			"rating":            prof.Rating,
			"matches_abandoned": prof.MatchesAbandoned,
		}).Error
	})
}
