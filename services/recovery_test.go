package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"pickup-match-system/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecovery_GrantedEveryThirdAttendance(t *testing.T) {
	db := newTestDB(t)
	svc, profiles := newTestService(t, db)
	ledger := NewLedgerService(db)
	ctx := context.Background()

	seedDebt(t, db, "u-x", "m-0", 30)

	for i := 1; i <= 9; i++ {
		matchID := fmt.Sprintf("m-%d", i)
		playedMatch(t, db, matchID, "u-x")
		res, err := svc.ProcessMatch(ctx, matchID)
		require.NoError(t, err)

		if i%3 == 0 {
			assert.Equal(t, []string{"u-x"}, res.RecoveriesApplied, matchID)
		} else {
			assert.Empty(t, res.RecoveriesApplied, matchID)
		}
		assert.Equal(t, i, streakOf(t, db, "u-x"), matchID)
	}

	debt, err := ledger.Debt(ctx, "u-x")
	require.NoError(t, err)
	assert.EqualValues(t, 0, debt)

	adj, found, err := ledger.Adjustment(ctx, "u-x", "m-6", models.AdjustmentRecovery)
	require.NoError(t, err)
	require.True(t, found)
	assert.EqualValues(t, 10, adj.Magnitude)
	var meta recoveryMetadata
	require.NoError(t, json.Unmarshal([]byte(adj.Metadata), &meta))
	assert.Equal(t, recoveryMetadata{Cycle: 2, Streak: 6, DebtBefore: 20}, meta)

	prof, err := profiles.Profile(ctx, "u-x")
	require.NoError(t, err)
	assert.EqualValues(t, 1030, prof.Rating)

	// Debt is cleared, so the next attendance resets instead of advancing.
	playedMatch(t, db, "m-10", "u-x")
	_, err = svc.ProcessMatch(ctx, "m-10")
	require.NoError(t, err)
	assert.Equal(t, 0, streakOf(t, db, "u-x"))
	assert.EqualValues(t, 3, countAdjustments(t, db, "u-x", models.AdjustmentRecovery))
}

func TestRecovery_CappedByOutstandingDebt(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newTestService(t, db)
	ledger := NewLedgerService(db)
	ctx := context.Background()

	seedDebt(t, db, "u-x", "m-0", 4)

	for i := 1; i <= 3; i++ {
		matchID := fmt.Sprintf("m-%d", i)
		playedMatch(t, db, matchID, "u-x")
		_, err := svc.ProcessMatch(ctx, matchID)
		require.NoError(t, err)
	}

	adj, found, err := ledger.Adjustment(ctx, "u-x", "m-3", models.AdjustmentRecovery)
	require.NoError(t, err)
	require.True(t, found)
	assert.EqualValues(t, 4, adj.Magnitude)

	debt, err := ledger.Debt(ctx, "u-x")
	require.NoError(t, err)
	assert.EqualValues(t, 0, debt)
}

func TestRecovery_NoDebtNoStreak(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newTestService(t, db)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		matchID := fmt.Sprintf("m-%d", i)
		playedMatch(t, db, matchID, "u-x")
		res, err := svc.ProcessMatch(ctx, matchID)
		require.NoError(t, err)
		assert.Empty(t, res.RecoveriesApplied)
	}
	assert.Equal(t, 0, streakOf(t, db, "u-x"))
	assert.EqualValues(t, 0, countAdjustments(t, db, "u-x", models.AdjustmentRecovery))
}

func TestRecovery_AbsenceResetsStreak(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newTestService(t, db)
	ledger := NewLedgerService(db)
	ctx := context.Background()

	seedDebt(t, db, "u-x", "m-0", 30)
	for _, matchID := range []string{"m-1", "m-2"} {
		playedMatch(t, db, matchID, "u-x")
		_, err := svc.ProcessMatch(ctx, matchID)
		require.NoError(t, err)
	}
	require.Equal(t, 2, streakOf(t, db, "u-x"))

	seedRoster(t, db, "m-3", slot("X", "u-x"), slot("A", "u-a"), slot("C", "u-c"))
	seedSurvey(t, db, "m-3", "A", true, "X")
	seedSurvey(t, db, "m-3", "C", true, "X")
	res, err := svc.ProcessMatch(ctx, "m-3")
	require.NoError(t, err)
	assert.Equal(t, []string{"u-x"}, res.PenaltiesApplied)
	assert.Empty(t, res.RecoveriesApplied)
	assert.Equal(t, 0, streakOf(t, db, "u-x"))

	for i := 4; i <= 6; i++ {
		matchID := fmt.Sprintf("m-%d", i)
		playedMatch(t, db, matchID, "u-x")
		_, err := svc.ProcessMatch(ctx, matchID)
		require.NoError(t, err)
	}
	_, found, err := ledger.Adjustment(ctx, "u-x", "m-6", models.AdjustmentRecovery)
	require.NoError(t, err)
	assert.True(t, found)

	debt, err := ledger.Debt(ctx, "u-x")
	require.NoError(t, err)
	assert.EqualValues(t, 50, debt)
}

func TestRecovery_ReplayDoesNotAdvanceStreak(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newTestService(t, db)
	ctx := context.Background()

	seedDebt(t, db, "u-x", "m-0", 30)
	playedMatch(t, db, "m-1", "u-x")
	playedMatch(t, db, "m-2", "u-x")

	for _, matchID := range []string{"m-1", "m-2", "m-1", "m-2"} {
		_, err := svc.ProcessMatch(ctx, matchID)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, streakOf(t, db, "u-x"))

	state, err := NewLedgerService(db).Streak(ctx, "u-x")
	require.NoError(t, err)
	assert.Equal(t, "m-2", state.LastMatchID)
}

func TestRecovery_ExistingRecoveryIsNotGrantedAgain(t *testing.T) {
	db := newTestDB(t)
	svc, profiles := newTestService(t, db)
	ctx := context.Background()

	seedDebt(t, db, "u-x", "m-0", 30)
	_, inserted, err := insertAdjustment(db, "u-x", "m-3", models.AdjustmentRecovery, 10, recoveryMetadata{})
	require.NoError(t, err)
	require.True(t, inserted)

	var last *PassResult
	for i := 1; i <= 3; i++ {
		matchID := fmt.Sprintf("m-%d", i)
		playedMatch(t, db, matchID, "u-x")
		last, err = svc.ProcessMatch(ctx, matchID)
		require.NoError(t, err)
	}

	assert.Empty(t, last.RecoveriesApplied)
	assert.Equal(t, []SkipReason{SkipAlreadyApplied}, last.SkippedFor(StageRecovery, "u-x"))
	assert.EqualValues(t, 1, countAdjustments(t, db, "u-x", models.AdjustmentRecovery))

	prof, err := profiles.Profile(ctx, "u-x")
	require.NoError(t, err)
	assert.EqualValues(t, 1000, prof.Rating)
}

func TestRecovery_ConcurrentMatchesForSameUser(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newTestService(t, db)
	ctx := context.Background()

	seedDebt(t, db, "u-x", "m-0", 30)
	matches := []string{"m-1", "m-2", "m-3"}
	for _, matchID := range matches {
		playedMatch(t, db, matchID, "u-x")
	}

	var wg sync.WaitGroup
	for _, matchID := range matches {
		matchID := matchID
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ProcessMatch(ctx, matchID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, streakOf(t, db, "u-x"))
	assert.EqualValues(t, 1, countAdjustments(t, db, "u-x", models.AdjustmentRecovery))
}
