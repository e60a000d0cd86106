package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// IDList is an ordered list of participant IDs stored as a JSON column.
type IDList []string

func (l IDList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *IDList) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("IDList: unsupported scan type")
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*l = out
	return nil
}

// MatchSurvey is one post-match attendance report, written once by a
// participant (the voter) and never modified afterwards.
type MatchSurvey struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"id"`
	MatchID   string    `gorm:"not null;uniqueIndex:idx_survey_match_voter" json:"match_id"`
	VoterID   string    `gorm:"not null;uniqueIndex:idx_survey_match_voter" json:"voter_id"`
	WasPlayed bool      `gorm:"not null" json:"was_played"`
	AbsentIDs IDList    `gorm:"type:text" json:"absent_ids"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
