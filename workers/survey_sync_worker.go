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

// RemoteSurvey is an attendance survey as the survey service reports it.
type RemoteSurvey struct {
	ID        string    `json:"id"`
	MatchID   string    `json:"match_id"`
	VoterID   string    `json:"voter_id"`
	WasPlayed bool      `json:"was_played"`
	AbsentIDs []string  `json:"absent_ids"`
	CreatedAt time.Time `json:"created_at"`
}

// SurveySyncClient pulls new surveys from the survey service into match_surveys.
type SurveySyncClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	DB         *gorm.DB
	Logger     *slog.Logger
}

func NewSurveySyncClient(db *gorm.DB, baseURL, token string, logger *slog.Logger) *SurveySyncClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &SurveySyncClient{
		BaseURL: baseURL,
		Token:   token,
		DB:      db,
		Logger:  logger,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *SurveySyncClient) GetChangedSurveys(ctx context.Context, since time.Time) ([]RemoteSurvey, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}
	u = u.JoinPath("/api/v1/public/surveys")

	q := u.Query()
	q.Set("since", since.UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Service-Token", c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call survey service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("survey service returned status %d: %s", resp.StatusCode, string(body))
	}

	var response struct {
		Surveys []RemoteSurvey `json:"surveys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode survey service response: %w", err)
	}
	return response.Surveys, nil
}

// Store inserts surveys not yet mirrored. Surveys are immutable once filed,
// so a second copy of (match, voter) is ignored rather than merged.
func (c *SurveySyncClient) Store(ctx context.Context, remote []RemoteSurvey) (int64, error) {
	rows := make([]models.MatchSurvey, 0, len(remote))
	for _, r := range remote {
		if r.MatchID == "" || r.VoterID == "" {
			c.Logger.Warn("[SYNC] dropping survey without match or voter", "id", r.ID)
			continue
		}
		id := r.ID
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		rows = append(rows, models.MatchSurvey{
			ID:        id,
			MatchID:   r.MatchID,
			VoterID:   r.VoterID,
			WasPlayed: r.WasPlayed,
			AbsentIDs: models.IDList(r.AbsentIDs),
			CreatedAt: r.CreatedAt,
		})
	}
	if len(rows) == 0 {
		return 0, nil
	}

	res := c.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to store %d survey(s): %w", len(rows), res.Error)
	}
	return res.RowsAffected, nil
}

// SyncOnce fetches and stores every survey filed since the given time.
func (c *SurveySyncClient) SyncOnce(ctx context.Context, since time.Time) (int64, error) {
	surveys, err := c.GetChangedSurveys(ctx, since)
	if err != nil {
		return 0, err
	}
	return c.Store(ctx, surveys)
}

// lastSyncTime is the newest created_at in the local survey mirror, or the epoch.
func (c *SurveySyncClient) lastSyncTime(ctx context.Context) time.Time {
	var latest models.MatchSurvey
	res := c.DB.WithContext(ctx).Order("created_at DESC").Limit(1).Find(&latest)
	if res.Error != nil || res.RowsAffected == 0 || latest.CreatedAt.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return latest.CreatedAt
}

func (c *SurveySyncClient) poll(ctx context.Context) error {
	since := c.lastSyncTime(ctx)
	stored, err := c.SyncOnce(ctx, since)
	if err != nil {
		return fmt.Errorf("since %s: %w", since.Format(time.RFC3339), err)
	}
	if stored > 0 {
		c.Logger.Info("[SYNC] surveys stored", "count", stored)
	}
	return nil
}

// PollSurveys syncs once immediately and then every pollInterval until ctx is
// done. The cursor is read back from match_surveys each round, so a restart
// resumes where the mirror left off and failed windows are retried.
func PollSurveys(ctx context.Context, client *SurveySyncClient, pollInterval time.Duration) {
	client.Logger.Info("starting survey polling", "interval", pollInterval)

	if err := client.poll(ctx); err != nil {
		client.Logger.Warn("[SYNC] initial survey sync failed", "error", err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			client.Logger.Info("survey polling stopped")
			return
		case <-ticker.C:
			if err := client.poll(ctx); err != nil {
				client.Logger.Error("[SYNC] survey poll failed", "error", err)
			}
		}
	}
}
