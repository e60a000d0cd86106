package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"pickup-match-system/config"
	"pickup-match-system/models"
	"pickup-match-system/utils"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testToken = "svc-token"

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

// fakeSyncService serves whatever payload is current and records the since values it saw.
type fakeSyncService struct {
	mu      sync.Mutex
	path    string
	payload interface{}
	status  int
	since   []string
}

func (f *fakeSyncService) set(payload interface{}) {
	f.mu.Lock()
	f.payload = payload
	f.mu.Unlock()
}

func (f *fakeSyncService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.URL.Path != f.path || r.Header.Get("X-Service-Token") != testToken {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	f.since = append(f.since, r.URL.Query().Get("since"))
	if f.status != 0 {
		http.Error(w, "boom", f.status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(f.payload)
}

func strPtr(s string) *string { return &s }

func TestRosterSync_UpsertsMatchAndRoster(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	ended := time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)
	updated := time.Date(2026, 5, 1, 20, 5, 0, 0, time.UTC)
	fake := &fakeSyncService{path: rosterEndpointPath}
	fake.set(GetRosterChangesResponse{Rosters: []RemoteRoster{{
		MatchID: "m-1",
		Title:   "Thursday 7s",
		Status:  models.MatchStatusFinished,
		StartAt: ended.Add(-90 * time.Minute),
		EndedAt: &ended,
		Participants: []RemoteParticipant{
			{ParticipantID: "A", DisplayName: "Ana", UserID: strPtr("u-a")},
			{ParticipantID: "B", DisplayName: "Ben", UserID: strPtr("u-b")},
			{ParticipantID: "G", DisplayName: "Guest"},
		},
		CreatedAt: updated.Add(-time.Hour),
		UpdatedAt: updated,
	}}})
	srv := httptest.NewServer(fake)
	defer srv.Close()

	w := NewRosterSyncWorker(db, srv.URL, testToken, time.Minute, nil)
	require.NoError(t, w.syncBatch(ctx, w.lastSyncTime(ctx)))

	var match models.Match
	require.NoError(t, db.First(&match, "id = ?", "m-1").Error)
	assert.Equal(t, models.MatchStatusFinished, match.Status)
	assert.Equal(t, "Thursday 7s", match.Title)
	require.NotNil(t, match.EndedAt)
	assert.True(t, match.EndedAt.Equal(ended))

	var roster []models.MatchParticipant
	require.NoError(t, db.Where("match_id = ?", "m-1").Order("participant_id").Find(&roster).Error)
	require.Len(t, roster, 3)
	assert.False(t, roster[0].IsGuest())
	assert.True(t, roster[2].IsGuest())

	assert.True(t, w.lastSyncTime(ctx).Equal(updated))

	// B leaves, G links an account.
	fake.set(GetRosterChangesResponse{Rosters: []RemoteRoster{{
		MatchID: "m-1",
		Title:   "Thursday 7s",
		Status:  models.MatchStatusFinished,
		StartAt: ended.Add(-90 * time.Minute),
		EndedAt: &ended,
		Participants: []RemoteParticipant{
			{ParticipantID: "A", DisplayName: "Ana", UserID: strPtr("u-a")},
			{ParticipantID: "G", DisplayName: "Gil", UserID: strPtr("u-g")},
		},
		UpdatedAt: updated.Add(time.Minute),
	}}})
	require.NoError(t, w.syncBatch(ctx, w.lastSyncTime(ctx)))

	roster = nil
	require.NoError(t, db.Where("match_id = ?", "m-1").Order("participant_id").Find(&roster).Error)
	require.Len(t, roster, 2)
	assert.Equal(t, "G", roster[1].ParticipantID)
	require.NotNil(t, roster[1].UserID)
	assert.Equal(t, "u-g", *roster[1].UserID)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.since, 2)
	assert.Equal(t, "1970-01-01T00:00:00Z", fake.since[0])
	assert.Equal(t, updated.Format(time.RFC3339), fake.since[1])
}

func TestRosterSync_SkipsBadRosters(t *testing.T) {
	db := newTestDB(t)
	fake := &fakeSyncService{path: rosterEndpointPath}
	fake.set(GetRosterChangesResponse{Rosters: []RemoteRoster{
		{MatchID: "m-1", Status: "postponed"},
		{MatchID: "m-2", Participants: []RemoteParticipant{{ParticipantID: "A"}}},
	}})
	srv := httptest.NewServer(fake)
	defer srv.Close()

	w := NewRosterSyncWorker(db, srv.URL, testToken, time.Minute, nil)
	require.NoError(t, w.syncBatch(context.Background(), time.Time{}))

	var matches []models.Match
	require.NoError(t, db.Find(&matches).Error)
	require.Len(t, matches, 1)
	assert.Equal(t, "m-2", matches[0].ID)
	assert.Equal(t, models.MatchStatusScheduled, matches[0].Status)
}

func TestRosterSync_Non200(t *testing.T) {
	fake := &fakeSyncService{path: rosterEndpointPath, status: http.StatusBadGateway}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	w := NewRosterSyncWorker(newTestDB(t), srv.URL, testToken, time.Minute, nil)
	err := w.syncBatch(context.Background(), time.Time{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestSurveySync_StoresOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	fake := &fakeSyncService{path: "/api/v1/public/surveys"}
	fake.set(map[string][]RemoteSurvey{"surveys": {
		{ID: uuid.NewString(), MatchID: "m-1", VoterID: "A", WasPlayed: true, AbsentIDs: []string{"B", "C"}},
		{ID: "not-a-uuid", MatchID: "m-1", VoterID: "C", WasPlayed: true, AbsentIDs: []string{"B"}},
		{MatchID: "", VoterID: "D", WasPlayed: true},
	}})
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client := NewSurveySyncClient(db, srv.URL, testToken, nil)
	stored, err := client.SyncOnce(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, stored)

	// A resent survey with a changed verdict does not overwrite the original.
	fake.set(map[string][]RemoteSurvey{"surveys": {
		{ID: uuid.NewString(), MatchID: "m-1", VoterID: "A", WasPlayed: false},
	}})
	stored, err = client.SyncOnce(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 0, stored)

	var surveys []models.MatchSurvey
	require.NoError(t, db.Where("match_id = ?", "m-1").Order("voter_id").Find(&surveys).Error)
	require.Len(t, surveys, 2)
	assert.True(t, surveys[0].WasPlayed)
	assert.Equal(t, models.IDList{"B", "C"}, surveys[0].AbsentIDs)
}

func TestSurveySync_RejectsBadToken(t *testing.T) {
	fake := &fakeSyncService{path: "/api/v1/public/surveys"}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client := NewSurveySyncClient(newTestDB(t), srv.URL, "wrong", nil)
	_, err := client.SyncOnce(context.Background(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestPollSurveys_StopsOnCancel(t *testing.T) {
	fake := &fakeSyncService{path: "/api/v1/public/surveys"}
	fake.set(map[string][]RemoteSurvey{"surveys": {}})
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client := NewSurveySyncClient(newTestDB(t), srv.URL, testToken, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		PollSurveys(ctx, client, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return len(fake.since) > 0
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("PollSurveys did not stop")
	}
}

func TestPollSurveys_ResumesFromStoredCursor(t *testing.T) {
	db := newTestDB(t)
	filed := time.Date(2026, 4, 2, 19, 30, 0, 0, time.UTC)
	require.NoError(t, db.Create(&models.MatchSurvey{
		ID: uuid.NewString(), MatchID: "m-1", VoterID: "A", WasPlayed: true, CreatedAt: filed,
	}).Error)
	require.NoError(t, db.Create(&models.MatchSurvey{
		ID: uuid.NewString(), MatchID: "m-1", VoterID: "C", WasPlayed: true, CreatedAt: filed.Add(-time.Hour),
	}).Error)

	fake := &fakeSyncService{path: "/api/v1/public/surveys"}
	fake.set(map[string][]RemoteSurvey{"surveys": {}})
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client := NewSurveySyncClient(db, srv.URL, testToken, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		PollSurveys(ctx, client, time.Hour)
		close(done)
	}()

	// The first sync runs immediately instead of waiting for the hourly tick.
	require.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return len(fake.since) > 0
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, filed.Format(time.RFC3339), fake.since[0])
}

func TestSurveySync_EmptyMirrorStartsAtEpoch(t *testing.T) {
	client := NewSurveySyncClient(newTestDB(t), "http://unused", testToken, nil)
	assert.True(t, client.lastSyncTime(context.Background()).Equal(time.Unix(0, 0)))
}

func TestRosterSync_AcceptsNumericMatchID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	ended := time.Date(2026, 5, 3, 21, 0, 0, 0, time.UTC)
	fake := &fakeSyncService{path: rosterEndpointPath}
	fake.set(GetRosterChangesResponse{Rosters: []RemoteRoster{{
		MatchID: "100",
		Status:  models.MatchStatusFinished,
		StartAt: ended.Add(-time.Hour),
		EndedAt: &ended,
		Participants: []RemoteParticipant{
			{ParticipantID: "A", DisplayName: "Ana", UserID: strPtr("u-a")},
		},
		UpdatedAt: ended,
	}}})
	srv := httptest.NewServer(fake)
	defer srv.Close()

	w := NewRosterSyncWorker(db, srv.URL, testToken, time.Minute, nil)
	require.NoError(t, w.syncBatch(ctx, w.lastSyncTime(ctx)))

	var match models.Match
	require.NoError(t, db.First(&match, "id = ?", "100").Error)
	assert.Equal(t, models.MatchStatusFinished, match.Status)
}
