package models

import (
	"time"

	"gorm.io/gorm"
)

// PlayerProfile is the local rating store the no-show ledger mutates
// (denormalized for performance; the ledger remains the source of truth).
type PlayerProfile struct {
	ID             string `gorm:"primaryKey;type:uuid" json:"id"`
	ExternalUserID string `gorm:"uniqueIndex;not null" json:"external_user_id"` // links to profile service

	Rating           int64 `json:"rating" gorm:"not null"`
	MatchesAbandoned int64 `json:"matches_abandoned" gorm:"default:0"`

	Timestamps
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}
