package services

import (
	"context"
	"log/slog"

	"pickup-match-system/config"
	"pickup-match-system/models"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type penaltyMetadata struct {
	ConfirmedBy   []string `json:"confirmed_by"`
	Confirmations int      `json:"confirmations"`
}

// PenaltyApplier writes one penalty per confirmed no-show and debits the
// player's stored rating the first time that row is written.
type PenaltyApplier struct {
	DB      *gorm.DB
	Delta   DeltaApplier
	Policy  config.Policy
	Logger  *slog.Logger
	Metrics *Metrics
}

// Apply processes every confirmed-absent participant of matchID. Users are
// handled in parallel; only ledger write failures are returned.
func (p *PenaltyApplier) Apply(ctx context.Context, matchID string, quorum QuorumResult, roster map[string]models.MatchParticipant, result *PassResult) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Policy.Parallelism)

	for _, participantID := range quorum.ConfirmedIDs() {
		participantID := participantID
		participant, ok := roster[participantID]
		if !ok {
			p.skip(result, SkipEntry{Stage: StagePenalty, ParticipantID: participantID, Reason: SkipNotOnRoster})
			continue
		}
		if participant.IsGuest() {
			p.skip(result, SkipEntry{Stage: StagePenalty, ParticipantID: participantID, Reason: SkipGuest})
			continue
		}

		userID := *participant.UserID
		voters := quorum.Confirmed[participantID]
		g.Go(func() error {
			return p.applyOne(gctx, matchID, participantID, userID, voters, result)
		})
	}
	return g.Wait()
}

func (p *PenaltyApplier) applyOne(ctx context.Context, matchID, participantID, userID string, voters []string, result *PassResult) error {
	meta := penaltyMetadata{ConfirmedBy: voters, Confirmations: len(voters)}
	_, inserted, err := insertAdjustment(p.DB.WithContext(ctx), userID, matchID, models.AdjustmentPenalty, p.Policy.PenaltyMagnitude, meta)
	if err != nil {
		return err
	}
	if !inserted {
		p.skip(result, SkipEntry{Stage: StagePenalty, ParticipantID: participantID, UserID: userID, Reason: SkipAlreadyApplied})
		return nil
	}

	result.addPenalty(userID)
	p.Metrics.incPenalty()
	p.Logger.Info("penalty recorded",
		"match_id", matchID, "user_id", userID,
		"magnitude", p.Policy.PenaltyMagnitude, "confirmations", len(voters))

	mutate(ctx, p.Delta, p.Logger, p.Metrics, result, userID, FieldRating, -p.Policy.PenaltyMagnitude)
	mutate(ctx, p.Delta, p.Logger, p.Metrics, result, userID, FieldMatchesAbandoned, 1)
	return nil
}

func (p *PenaltyApplier) skip(result *PassResult, e SkipEntry) {
	result.addSkip(e)
	p.Metrics.incSkip(e.Stage, e.Reason)
}

// mutate requests a downstream counter change. Failures are logged and
// recorded on the result; the committed ledger row is never rolled back.
func mutate(ctx context.Context, delta DeltaApplier, logger *slog.Logger, metrics *Metrics, result *PassResult, userID, field string, amount int64) {
	if err := delta.ApplyDelta(ctx, userID, field, amount); err != nil {
		logger.Error("downstream mutation failed",
			"user_id", userID, "field", field, "amount", amount, "error", err)
		metrics.incDownstreamFailure(field)
		result.addFailure(DownstreamFailure{UserID: userID, Field: field, Amount: amount, Error: err.Error()})
	}
}
