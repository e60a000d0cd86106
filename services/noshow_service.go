package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pickup-match-system/config"
	"pickup-match-system/models"
	"pickup-match-system/utils"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var (
	// ErrInputUnavailable means surveys or roster could not be read; nothing was applied.
	ErrInputUnavailable = errors.New("no-show input unavailable")
	ErrMatchCancelled   = errors.New("match was cancelled")
)

// PassArchiver stores a copy of each completed pass result.
type PassArchiver interface {
	Archive(ctx context.Context, key string, payload []byte) error
}

// NoShowService runs the no-show pass: quorum, penalties, then recovery.
type NoShowService struct {
	DB     *gorm.DB
	Policy config.Policy

	surveys       SurveySource
	roster        RosterSource
	penalties     *PenaltyApplier
	recovery      *RecoveryTracker
	archiver      PassArchiver
	archivePrefix string
	logger        *slog.Logger
	metrics       *Metrics
	tracer        trace.Tracer
}

// Option configures a NoShowService.
type Option func(*NoShowService)

func WithLogger(l *slog.Logger) Option {
	return func(s *NoShowService) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *NoShowService) { s.metrics = m }
}

// WithSurveySource replaces the local survey mirror as the survey input.
func WithSurveySource(src SurveySource) Option {
	return func(s *NoShowService) {
		if src != nil {
			s.surveys = src
		}
	}
}

// WithRosterSource replaces the local roster mirror as the roster input.
func WithRosterSource(src RosterSource) Option {
	return func(s *NoShowService) {
		if src != nil {
			s.roster = src
		}
	}
}

// WithArchiver uploads each finished pass under prefix.
func WithArchiver(a PassArchiver, prefix string) Option {
	return func(s *NoShowService) {
		s.archiver = a
		s.archivePrefix = prefix
	}
}

func NewNoShowService(db *gorm.DB, delta DeltaApplier, policy config.Policy, opts ...Option) *NoShowService {
	s := &NoShowService{
		DB:      db,
		Policy:  policy,
		surveys: GormSurveySource{DB: db},
		roster:  GormRosterSource{DB: db},
		logger:  slog.Default(),
		tracer:  otel.Tracer("pickup-match-system/services"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.penalties = &PenaltyApplier{DB: db, Delta: delta, Policy: policy, Logger: s.logger, Metrics: s.metrics}
	s.recovery = NewRecoveryTracker(db, delta, policy, s.logger, s.metrics)
	return s
}

// ProcessMatch runs one pass over matchID. Passes are safe to repeat: rows
// already written are reported as skipped and never applied twice.
func (s *NoShowService) ProcessMatch(ctx context.Context, matchID string) (*PassResult, error) {
	ctx, span := s.tracer.Start(ctx, "noshow.ProcessMatch", trace.WithAttributes(attribute.String("match.id", matchID)))
	defer span.End()

	result := newPassResult(matchID)
	err := s.process(ctx, matchID, result)
	seconds := time.Since(result.StartedAt).Seconds()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.observePass("error", seconds)
		s.logger.Error("no-show pass failed", "match_id", matchID, "error", err)
		return nil, err
	}

	outcome := "played"
	if !result.Played {
		outcome = "not_played"
	}
	s.metrics.observePass(outcome, seconds)
	span.SetAttributes(
		attribute.Bool("match.played", result.Played),
		attribute.Int("noshow.penalties", len(result.PenaltiesApplied)),
		attribute.Int("noshow.recoveries", len(result.RecoveriesApplied)),
		attribute.Int("noshow.failures", len(result.Failures)),
	)
	s.logger.Info("no-show pass finished",
		"match_id", matchID,
		"played", result.Played,
		"confirmed_absent", len(result.ConfirmedAbsent),
		"penalties", len(result.PenaltiesApplied),
		"recoveries", len(result.RecoveriesApplied),
		"skipped", len(result.Skipped),
		"failures", len(result.Failures))
	return result, nil
}

func (s *NoShowService) process(ctx context.Context, matchID string, result *PassResult) error {
	// Passes may run for matches missing from the local registry.
	var match models.Match
	lookup := s.DB.WithContext(ctx).Where("id = ?", matchID).Limit(1).Find(&match)
	if lookup.Error != nil {
		return fmt.Errorf("failed to load match %s: %w", matchID, lookup.Error)
	}
	registered := lookup.RowsAffected == 1
	if registered && match.Status == models.MatchStatusCancelled {
		return fmt.Errorf("%w: %s", ErrMatchCancelled, matchID)
	}

	surveys, err := s.surveys.SurveysForMatch(ctx, matchID)
	if err != nil {
		return fmt.Errorf("%w: surveys for match %s: %w", ErrInputUnavailable, matchID, err)
	}
	roster, err := s.roster.RosterForMatch(ctx, matchID)
	if err != nil {
		return fmt.Errorf("%w: roster for match %s: %w", ErrInputUnavailable, matchID, err)
	}

	quorum := ResolveQuorum(surveys, s.Policy.QuorumThreshold)
	result.Played = quorum.Played
	result.ConfirmedAbsent = quorum.ConfirmedIDs()

	if !quorum.Played {
		result.addSkip(SkipEntry{Stage: StageRecovery, Reason: SkipMatchNotPlayed})
		s.metrics.incSkip(StageRecovery, SkipMatchNotPlayed)
	} else {
		byParticipant := make(map[string]models.MatchParticipant, len(roster))
		for _, p := range roster {
			byParticipant[p.ParticipantID] = p
		}
		if err := s.penalties.Apply(ctx, matchID, quorum, byParticipant, result); err != nil {
			return fmt.Errorf("penalty stage for match %s: %w", matchID, err)
		}
		if err := s.recovery.Track(ctx, matchID, roster, quorum, result); err != nil {
			return fmt.Errorf("recovery stage for match %s: %w", matchID, err)
		}
	}

	result.finish()

	if registered {
		if err := s.DB.WithContext(ctx).Model(&models.Match{}).
			Where("id = ? AND noshow_processed_at IS NULL", matchID).
			Update("noshow_processed_at", result.FinishedAt).Error; err != nil {
			return fmt.Errorf("failed to mark match %s processed: %w", matchID, err)
		}
	}

	s.archive(ctx, match.Title, result)
	return nil
}

// archive is best effort; a failed upload never fails the pass.
func (s *NoShowService) archive(ctx context.Context, title string, result *PassResult) {
	if s.archiver == nil {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		s.logger.Warn("failed to encode pass result", "match_id", result.MatchID, "error", err)
		return
	}
	key := utils.ArchiveKey(s.archivePrefix, title, result.MatchID, result.FinishedAt)
	if err := s.archiver.Archive(ctx, key, payload); err != nil {
		s.logger.Warn("failed to archive pass result", "match_id", result.MatchID, "key", key, "error", err)
	}
}

// DueMatches lists finished, unprocessed matches whose survey window closed before now.
func (s *NoShowService) DueMatches(ctx context.Context, now time.Time, window time.Duration) ([]models.Match, error) {
	var matches []models.Match
	err := s.DB.WithContext(ctx).
		Where("status = ? AND noshow_processed_at IS NULL AND ended_at IS NOT NULL AND ended_at <= ?",
			models.MatchStatusFinished, now.Add(-window)).
		Order("ended_at ASC").
		Find(&matches).Error
	return matches, err
}

// ProcessDueMatches runs a pass for every due match. One failing match does
// not stop the others; their errors are joined.
func (s *NoShowService) ProcessDueMatches(ctx context.Context, now time.Time, window time.Duration) ([]*PassResult, error) {
	matches, err := s.DueMatches(ctx, now, window)
	if err != nil {
		return nil, fmt.Errorf("failed to list due matches: %w", err)
	}

	var (
		results []*PassResult
		errs    []error
	)
	for _, m := range matches {
		res, err := s.ProcessMatch(ctx, m.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}
