package services

import (
	"context"

	"pickup-match-system/models"

	"gorm.io/gorm"
)

// SurveySource yields every attendance survey filed for a match.
type SurveySource interface {
	SurveysForMatch(ctx context.Context, matchID string) ([]models.MatchSurvey, error)
}

// RosterSource yields the roster of a match with each slot's linked account, if any.
type RosterSource interface {
	RosterForMatch(ctx context.Context, matchID string) ([]models.MatchParticipant, error)
}

// GormSurveySource reads the survey mirror kept fresh by the survey sync worker.
type GormSurveySource struct {
	DB *gorm.DB
}

func (s GormSurveySource) SurveysForMatch(ctx context.Context, matchID string) ([]models.MatchSurvey, error) {
	var surveys []models.MatchSurvey
	err := s.DB.WithContext(ctx).
		Where("match_id = ?", matchID).
		Order("created_at ASC").
		Find(&surveys).Error
	return surveys, err
}

// GormRosterSource reads the roster mirror kept fresh by the roster sync worker.
type GormRosterSource struct {
	DB *gorm.DB
}

func (s GormRosterSource) RosterForMatch(ctx context.Context, matchID string) ([]models.MatchParticipant, error) {
	var roster []models.MatchParticipant
	err := s.DB.WithContext(ctx).
		Where("match_id = ?", matchID).
		Order("participant_id ASC").
		Find(&roster).Error
	return roster, err
}
