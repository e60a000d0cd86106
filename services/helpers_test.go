package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pickup-match-system/config"
	"pickup-match-system/models"
	"pickup-match-system/utils"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := utils.OpenDatabase(config.DriverSQLite, dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func testPolicy() config.Policy {
	p := config.DefaultPolicy()
	p.Parallelism = 4
	return p
}

func newTestService(t *testing.T, db *gorm.DB, opts ...Option) (*NoShowService, *ProfileService) {
	t.Helper()
	policy := testPolicy()
	profiles := NewProfileService(db, policy.DefaultRating)
	return NewNoShowService(db, profiles, policy, opts...), profiles
}

// slot builds a roster entry; an empty userID makes a guest.
func slot(participantID, userID string) models.MatchParticipant {
	p := models.MatchParticipant{ParticipantID: participantID, DisplayName: participantID}
	if userID != "" {
		p.UserID = &userID
	}
	return p
}

func seedRoster(t *testing.T, db *gorm.DB, matchID string, slots ...models.MatchParticipant) []models.MatchParticipant {
	t.Helper()
	for i := range slots {
		slots[i].ID = uuid.NewString()
		slots[i].MatchID = matchID
		require.NoError(t, db.Create(&slots[i]).Error)
	}
	return slots
}

func seedSurvey(t *testing.T, db *gorm.DB, matchID, voterID string, played bool, absent ...string) {
	t.Helper()
	s := models.MatchSurvey{
		ID:        uuid.NewString(),
		MatchID:   matchID,
		VoterID:   voterID,
		WasPlayed: played,
		AbsentIDs: models.IDList(absent),
	}
	require.NoError(t, db.Create(&s).Error)
}

func seedMatch(t *testing.T, db *gorm.DB, id, title, status string, endedAt *time.Time) models.Match {
	t.Helper()
	m := models.Match{ID: id, Title: title, Status: status, StartAt: time.Now().UTC().Add(-72 * time.Hour), EndedAt: endedAt}
	require.NoError(t, db.Create(&m).Error)
	return m
}

// seedDebt records a penalty on an unrelated match so the user carries debt.
func seedDebt(t *testing.T, db *gorm.DB, userID, matchID string, magnitude int64) {
	t.Helper()
	_, inserted, err := insertAdjustment(db, userID, matchID, models.AdjustmentPenalty, magnitude, penaltyMetadata{})
	require.NoError(t, err)
	require.True(t, inserted)
}

// playedMatch seeds a played match the given users attended with nobody absent.
func playedMatch(t *testing.T, db *gorm.DB, matchID string, userIDs ...string) {
	t.Helper()
	slots := make([]models.MatchParticipant, 0, len(userIDs))
	for _, uid := range userIDs {
		slots = append(slots, slot("p-"+uid, uid))
	}
	seedRoster(t, db, matchID, slots...)
	seedSurvey(t, db, matchID, "p-"+userIDs[0], true)
}

func countAdjustments(t *testing.T, db *gorm.DB, userID string, kind models.AdjustmentKind) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.RatingAdjustment{}).
		Where("user_id = ? AND kind = ?", userID, kind).
		Count(&n).Error)
	return n
}

func streakOf(t *testing.T, db *gorm.DB, userID string) int {
	t.Helper()
	state, err := NewLedgerService(db).Streak(context.Background(), userID)
	require.NoError(t, err)
	return state.Streak
}

var errStoreDown = errors.New("store down")

type failingSurveys struct{}

func (failingSurveys) SurveysForMatch(context.Context, string) ([]models.MatchSurvey, error) {
	return nil, errStoreDown
}

type failingRoster struct{}

func (failingRoster) RosterForMatch(context.Context, string) ([]models.MatchParticipant, error) {
	return nil, errStoreDown
}

// failingDelta rejects every mutation and remembers what was asked.
type failingDelta struct {
	mu    sync.Mutex
	calls []string
}

func (f *failingDelta) ApplyDelta(_ context.Context, userID, field string, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("%s:%s:%d", userID, field, amount))
	return errStoreDown
}

type memoryArchiver struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (a *memoryArchiver) Archive(_ context.Context, key string, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	if a.objects == nil {
		a.objects = make(map[string][]byte)
	}
	a.objects[key] = payload
	return nil
}
