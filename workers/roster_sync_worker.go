// workers/roster_sync_worker.go
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"pickup-match-system/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const rosterEndpointPath = "/api/v1/public/rosters"

// RemoteParticipant is one roster slot as the match service reports it.
// Guests come through without a user_id.
type RemoteParticipant struct {
	ParticipantID string  `json:"participant_id"`
	DisplayName   string  `json:"display_name"`
	UserID        *string `json:"user_id,omitempty"`
}

// RemoteRoster is a match plus its full current roster.
type RemoteRoster struct {
	MatchID      string              `json:"match_id"`
	Title        string              `json:"title"`
	Status       string              `json:"status"`
	StartAt      time.Time           `json:"start_at"`
	EndedAt      *time.Time          `json:"ended_at,omitempty"`
	Participants []RemoteParticipant `json:"participants"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// GetRosterChangesResponse is the top-level structure of the sync service response.
type GetRosterChangesResponse struct {
	Rosters []RemoteRoster `json:"rosters"`
}

// RosterSyncWorker mirrors matches and their rosters from the match service
// into the local matches / match_participants tables.
type RosterSyncWorker struct {
	db           *gorm.DB
	interval     time.Duration
	baseURL      string // e.g., "http://localhost:8500"
	endpointPath string
	serviceToken string
	httpClient   *http.Client
	logger       *slog.Logger
}

func NewRosterSyncWorker(db *gorm.DB, syncServiceBaseURL, serviceToken string, interval time.Duration, logger *slog.Logger) *RosterSyncWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RosterSyncWorker{
		db:           db,
		interval:     interval,
		baseURL:      syncServiceBaseURL,
		endpointPath: rosterEndpointPath,
		serviceToken: serviceToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

func (w *RosterSyncWorker) Start(ctx context.Context) {
	w.logger.Info("starting roster sync worker", "interval", w.interval)
	go w.run(ctx)
}

func (w *RosterSyncWorker) run(ctx context.Context) {
	// Initial sync resumes from whatever the local mirror already holds.
	if err := w.syncBatch(ctx, w.lastSyncTime(ctx)); err != nil {
		w.logger.Warn("[SYNC] initial roster sync failed", "error", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.syncBatch(ctx, w.lastSyncTime(ctx)); err != nil {
				w.logger.Error("[SYNC] roster sync batch failed", "error", err)
			}
		case <-ctx.Done():
			w.logger.Info("roster sync worker stopped")
			return
		}
	}
}

// lastSyncTime is the newest updated_at in the local match mirror, or the epoch.
func (w *RosterSyncWorker) lastSyncTime(ctx context.Context) time.Time {
	var latest models.Match
	res := w.db.WithContext(ctx).Unscoped().Order("updated_at DESC").Limit(1).Find(&latest)
	if res.Error != nil || res.RowsAffected == 0 || latest.UpdatedAt.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return latest.UpdatedAt
}

func (w *RosterSyncWorker) fetch(ctx context.Context, since time.Time) ([]RemoteRoster, error) {
	base, err := url.Parse(w.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base sync service URL '%s': %w", w.baseURL, err)
	}
	endpointURL := base.JoinPath(w.endpointPath)
	q := endpointURL.Query()
	q.Set("since", since.UTC().Format(time.RFC3339))
	endpointURL.RawQuery = q.Encode()
	finalURL := endpointURL.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, finalURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request to %s: %w", finalURL, err)
	}
	req.Header.Set("X-Service-Token", w.serviceToken)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to sync service failed: %w", err)
	}
	defer func() {
		// Always drain & close to prevent connection leaks
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("sync service non-200 response: %d: %s", resp.StatusCode, string(body))
	}

	var response GetRosterChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode sync service response: %w", err)
	}
	return response.Rosters, nil
}

// syncBatch fetches roster changes since the cursor and upserts them. A
// failing roster is logged and skipped so one bad row never blocks the rest.
func (w *RosterSyncWorker) syncBatch(ctx context.Context, since time.Time) error {
	w.logger.Debug("[SYNC] fetching roster changes", "since", since.UTC().Format(time.RFC3339))

	rosters, err := w.fetch(ctx, since)
	if err != nil {
		return err
	}
	if len(rosters) == 0 {
		return nil
	}

	var upserted, failed int
	for _, r := range rosters {
		if err := w.upsertRoster(ctx, r); err != nil {
			failed++
			w.logger.Warn("[SYNC] failed to upsert roster", "match_id", r.MatchID, "error", err)
			continue
		}
		upserted++
	}

	w.logger.Info("[SYNC] rosters synced", "received", len(rosters), "upserted", upserted, "errors", failed)
	return nil
}

func (w *RosterSyncWorker) upsertRoster(ctx context.Context, r RemoteRoster) error {
	if r.MatchID == "" {
		return fmt.Errorf("roster without match_id")
	}
	status := r.Status
	switch status {
	case models.MatchStatusScheduled, models.MatchStatusFinished, models.MatchStatusCancelled:
	case "":
		status = models.MatchStatusScheduled
	default:
		return fmt.Errorf("unknown match status %q", r.Status)
	}

	return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		match := models.Match{
			ID:      r.MatchID,
			Title:   r.Title,
			Status:  status,
			StartAt: r.StartAt,
			EndedAt: r.EndedAt,
			Timestamps: models.Timestamps{
				CreatedAt: r.CreatedAt,
				UpdatedAt: r.UpdatedAt,
			},
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "status", "start_at", "ended_at", "updated_at"}),
		}).Create(&match).Error; err != nil {
			return fmt.Errorf("match upsert: %w", err)
		}

		keep := make([]string, 0, len(r.Participants))
		for _, p := range r.Participants {
			if p.ParticipantID == "" {
				continue
			}
			slot := models.MatchParticipant{
				ID:            uuid.NewString(),
				MatchID:       r.MatchID,
				ParticipantID: p.ParticipantID,
				DisplayName:   p.DisplayName,
				UserID:        p.UserID,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "match_id"}, {Name: "participant_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"display_name", "user_id", "updated_at"}),
			}).Create(&slot).Error; err != nil {
				return fmt.Errorf("participant %s upsert: %w", p.ParticipantID, err)
			}
			keep = append(keep, p.ParticipantID)
		}

		// Slots the match service no longer lists have left the roster.
		prune := tx.Where("match_id = ?", r.MatchID)
		if len(keep) > 0 {
			prune = prune.Where("participant_id NOT IN ?", keep)
		}
		return prune.Delete(&models.MatchParticipant{}).Error
	})
}
