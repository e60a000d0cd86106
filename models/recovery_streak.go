package models

import "time"

// RecoveryStreakState holds the consecutive-attendance counter for one user.
type RecoveryStreakState struct {
	UserID      string    `gorm:"primaryKey" json:"user_id"`
	Streak      int       `gorm:"not null;default:0" json:"streak"`
	LastMatchID string    `json:"last_match_id,omitempty"` // last match that touched the counter
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// StreakStep records that a match has already been applied to a user's
// streak. The unique (user, match) pair keeps replays from counting twice.
type StreakStep struct {
	ID          string    `gorm:"primaryKey;type:uuid" json:"id"`
	UserID      string    `gorm:"not null;uniqueIndex:idx_streak_step_user_match" json:"user_id"`
	MatchID     string    `gorm:"not null;uniqueIndex:idx_streak_step_user_match" json:"match_id"`
	Attended    bool      `gorm:"not null" json:"attended"`
	StreakAfter int       `gorm:"not null" json:"streak_after"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}
