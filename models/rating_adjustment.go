package models

import "time"

// AdjustmentKind distinguishes debits from credits in the no-show ledger.
type AdjustmentKind string

const (
	AdjustmentPenalty  AdjustmentKind = "penalty"
	AdjustmentRecovery AdjustmentKind = "recovery"
)

// RatingAdjustment is an append-only ledger row. Magnitude is always
// non-negative; the sign is carried by Kind. The unique index on
// (user, match, kind) is what makes repeated passes idempotent.
type RatingAdjustment struct {
	ID        string         `gorm:"primaryKey;type:uuid" json:"id"`
	UserID    string         `gorm:"not null;uniqueIndex:idx_adjustment_user_match_kind;index" json:"user_id"`
	MatchID   string         `gorm:"not null;uniqueIndex:idx_adjustment_user_match_kind" json:"match_id"`
	Kind      AdjustmentKind `gorm:"type:varchar(16);not null;uniqueIndex:idx_adjustment_user_match_kind" json:"kind"`
	Magnitude int64          `gorm:"not null;check:magnitude >= 0" json:"magnitude"`
	Metadata  string         `gorm:"type:text" json:"metadata"` // e.g. {"confirmed_by": [...], "confirmations": 2}
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
}
