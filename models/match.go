package models

import "time"

const (
	MatchStatusScheduled = "scheduled"
	MatchStatusFinished  = "finished"
	MatchStatusCancelled = "cancelled"
)

// Match is the local registry entry for a pickup match. Only finished matches
// are ever run through the no-show pass.
type Match struct {
	ID      string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Title   string     `json:"title"`
	Status  string     `gorm:"type:varchar(16);index;default:'scheduled'" json:"status"` // scheduled | finished | cancelled
	StartAt time.Time  `json:"start_at"`
	EndedAt *time.Time `gorm:"index" json:"ended_at,omitempty"`

	// Set once the no-show pass has completed for this match.
	NoShowProcessedAt *time.Time `gorm:"column:noshow_processed_at;index" json:"noshow_processed_at,omitempty"`

	Timestamps
}

// MatchParticipant is one roster slot. Guests have no linked account (UserID == nil).
type MatchParticipant struct {
	ID            string    `gorm:"primaryKey;type:uuid" json:"id"`
	MatchID       string    `gorm:"not null;uniqueIndex:idx_participant_match_slot" json:"match_id"`
	ParticipantID string    `gorm:"not null;uniqueIndex:idx_participant_match_slot" json:"participant_id"`
	DisplayName   string    `json:"display_name"`
	UserID        *string   `gorm:"index" json:"user_id,omitempty"`
	JoinedAt      time.Time `gorm:"autoCreateTime" json:"joined_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsGuest reports whether the participant has no linked user account.
func (p MatchParticipant) IsGuest() bool {
	return p.UserID == nil || *p.UserID == ""
}
