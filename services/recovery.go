package services

import (
	"context"
	"log/slog"
	"sort"

	"pickup-match-system/config"
	"pickup-match-system/models"
	"pickup-match-system/utils"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type recoveryMetadata struct {
	Cycle      int   `json:"cycle"`
	Streak     int   `json:"streak"`
	DebtBefore int64 `json:"debt_before"`
}

// RecoveryTracker advances attendance streaks for indebted players and
// grants a capped recovery every CycleLength consecutive attended matches.
type RecoveryTracker struct {
	DB      *gorm.DB
	Delta   DeltaApplier
	Policy  config.Policy
	Logger  *slog.Logger
	Metrics *Metrics

	locks *utils.KeyedMutex
}

func NewRecoveryTracker(db *gorm.DB, delta DeltaApplier, policy config.Policy, logger *slog.Logger, metrics *Metrics) *RecoveryTracker {
	return &RecoveryTracker{
		DB:      db,
		Delta:   delta,
		Policy:  policy,
		Logger:  logger,
		Metrics: metrics,
		locks:   utils.NewKeyedMutex(),
	}
}

// Track runs the streak step for every linked user on the roster. A user
// holding several slots counts as absent if any of them was confirmed absent.
func (r *RecoveryTracker) Track(ctx context.Context, matchID string, roster []models.MatchParticipant, quorum QuorumResult, result *PassResult) error {
	absent := make(map[string]bool)
	for _, p := range roster {
		if p.IsGuest() {
			if !quorum.IsConfirmed(p.ParticipantID) {
				r.skip(result, SkipEntry{Stage: StageRecovery, ParticipantID: p.ParticipantID, Reason: SkipGuest})
			}
			continue
		}
		uid := *p.UserID
		absent[uid] = absent[uid] || quorum.IsConfirmed(p.ParticipantID)
	}

	users := make([]string, 0, len(absent))
	for uid := range absent {
		users = append(users, uid)
	}
	sort.Strings(users)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.Policy.Parallelism)
	for _, uid := range users {
		uid := uid
		wasAbsent := absent[uid]
		g.Go(func() error {
			return r.trackOne(gctx, matchID, uid, wasAbsent, result)
		})
	}
	return g.Wait()
}

func (r *RecoveryTracker) trackOne(ctx context.Context, matchID, userID string, absent bool, result *PassResult) error {
	unlock := r.locks.Lock(userID)
	defer unlock()

	var (
		counted        bool
		alreadyGranted bool
		grant          *models.RatingAdjustment
	)
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state, err := lockStreak(tx, userID)
		if err != nil {
			return err
		}

		var debt int64
		if absent {
			state.Streak = 0
		} else {
			if debt, err = debtOf(tx, userID); err != nil {
				return err
			}
			if debt <= 0 {
				state.Streak = 0
			} else {
				state.Streak++
			}
		}

		step := models.StreakStep{
			ID:          uuid.NewString(),
			UserID:      userID,
			MatchID:     matchID,
			Attended:    !absent,
			StreakAfter: state.Streak,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&step)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		counted = true

		state.LastMatchID = matchID
		if err := tx.Save(&state).Error; err != nil {
			return err
		}

		if absent || debt <= 0 || state.Streak%r.Policy.CycleLength != 0 {
			return nil
		}
		amount := min(r.Policy.RecoveryStep, debt)
		if amount <= 0 {
			return nil
		}

		meta := recoveryMetadata{
			Cycle:      state.Streak / r.Policy.CycleLength,
			Streak:     state.Streak,
			DebtBefore: debt,
		}
		adj, inserted, err := insertAdjustment(tx, userID, matchID, models.AdjustmentRecovery, amount, meta)
		if err != nil {
			return err
		}
		if !inserted {
			alreadyGranted = true
			return nil
		}
		grant = &adj
		return nil
	})
	if err != nil {
		return err
	}

	switch {
	case !counted:
		r.skip(result, SkipEntry{Stage: StageRecovery, UserID: userID, Reason: SkipAlreadyCounted})
		return nil
	case alreadyGranted:
		r.skip(result, SkipEntry{Stage: StageRecovery, UserID: userID, Reason: SkipAlreadyApplied})
		return nil
	case grant == nil:
		return nil
	}

	result.addRecovery(userID)
	r.Metrics.incRecovery(grant.Magnitude)
	r.Logger.Info("recovery granted",
		"match_id", matchID, "user_id", userID, "magnitude", grant.Magnitude)

	mutate(ctx, r.Delta, r.Logger, r.Metrics, result, userID, FieldRating, grant.Magnitude)
	return nil
}

func (r *RecoveryTracker) skip(result *PassResult, e SkipEntry) {
	result.addSkip(e)
	r.Metrics.incSkip(e.Stage, e.Reason)
}

// lockStreak loads the user's streak row under a row lock, creating it first if needed.
func lockStreak(tx *gorm.DB, userID string) (models.RecoveryStreakState, error) {
	seed := models.RecoveryStreakState{UserID: userID}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return seed, err
	}
	var state models.RecoveryStreakState
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&state).Error
	return state, err
}
