package services

import (
	"sort"
	"sync"
	"time"
)

// SkipReason explains why a participant produced no ledger write.
type SkipReason string

const (
	SkipGuest          SkipReason = "guest"
	SkipNotOnRoster    SkipReason = "not_on_roster"
	SkipAlreadyApplied SkipReason = "already_applied"
	SkipAlreadyCounted SkipReason = "already_counted"
	SkipMatchNotPlayed SkipReason = "match_not_played"
)

const (
	StagePenalty  = "penalty"
	StageRecovery = "recovery"
)

type SkipEntry struct {
	Stage         string     `json:"stage"`
	ParticipantID string     `json:"participant_id,omitempty"`
	UserID        string     `json:"user_id,omitempty"`
	Reason        SkipReason `json:"reason"`
}

// DownstreamFailure is a rating-store mutation that failed after its ledger
// row was committed. The ledger row stays; the rating can be reconciled later.
type DownstreamFailure struct {
	UserID string `json:"user_id"`
	Field  string `json:"field"`
	Amount int64  `json:"amount"`
	Error  string `json:"error"`
}

// PassResult summarizes one no-show pass over a match.
type PassResult struct {
	MatchID           string              `json:"match_id"`
	Played            bool                `json:"played"`
	ConfirmedAbsent   []string            `json:"confirmed_absent"`
	PenaltiesApplied  []string            `json:"penalties_applied"`
	RecoveriesApplied []string            `json:"recoveries_applied"`
	Skipped           []SkipEntry         `json:"skipped"`
	Failures          []DownstreamFailure `json:"failures"`
	StartedAt         time.Time           `json:"started_at"`
	FinishedAt        time.Time           `json:"finished_at"`

	mu sync.Mutex
}

func newPassResult(matchID string) *PassResult {
	return &PassResult{
		MatchID:           matchID,
		ConfirmedAbsent:   []string{},
		PenaltiesApplied:  []string{},
		RecoveriesApplied: []string{},
		Skipped:           []SkipEntry{},
		Failures:          []DownstreamFailure{},
		StartedAt:         time.Now().UTC(),
	}
}

func (r *PassResult) addPenalty(userID string) {
	r.mu.Lock()
	r.PenaltiesApplied = append(r.PenaltiesApplied, userID)
	r.mu.Unlock()
}

func (r *PassResult) addRecovery(userID string) {
	r.mu.Lock()
	r.RecoveriesApplied = append(r.RecoveriesApplied, userID)
	r.mu.Unlock()
}

func (r *PassResult) addSkip(e SkipEntry) {
	r.mu.Lock()
	r.Skipped = append(r.Skipped, e)
	r.mu.Unlock()
}

func (r *PassResult) addFailure(f DownstreamFailure) {
	r.mu.Lock()
	r.Failures = append(r.Failures, f)
	r.mu.Unlock()
}

// SkippedFor returns the skip reasons recorded for userID (or participant ID) in stage.
func (r *PassResult) SkippedFor(stage, id string) []SkipReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []SkipReason
	for _, s := range r.Skipped {
		if s.Stage == stage && (s.UserID == id || s.ParticipantID == id) {
			out = append(out, s.Reason)
		}
	}
	return out
}

// finish sorts every list so results are stable across runs.
func (r *PassResult) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	sort.Strings(r.PenaltiesApplied)
	sort.Strings(r.RecoveriesApplied)
	sort.Slice(r.Skipped, func(i, j int) bool {
		a, b := r.Skipped[i], r.Skipped[j]
		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		if a.ParticipantID != b.ParticipantID {
			return a.ParticipantID < b.ParticipantID
		}
		return a.UserID < b.UserID
	})
	sort.Slice(r.Failures, func(i, j int) bool {
		if r.Failures[i].UserID != r.Failures[j].UserID {
			return r.Failures[i].UserID < r.Failures[j].UserID
		}
		return r.Failures[i].Field < r.Failures[j].Field
	})
	r.FinishedAt = time.Now().UTC()
}
