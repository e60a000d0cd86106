package services

import (
	"sort"

	"pickup-match-system/models"
)

// QuorumResult is the outcome of resolving one match's attendance surveys.
type QuorumResult struct {
	// Played is false when nobody confirmed the match happened.
	Played bool
	// Confirmed maps each confirmed-absent participant to the sorted, distinct
	// voters who reported them.
	Confirmed map[string][]string
}

// ResolveQuorum derives the confirmed-absent set for a single match.
//
// A match with no surveys, or with no "played" vote and at least one "not
// played" vote, is treated as not played and confirms nobody. Otherwise a
// participant is confirmed absent once at least threshold distinct voters
// other than the participant themself reported them missing.
func ResolveQuorum(surveys []models.MatchSurvey, threshold int) QuorumResult {
	res := QuorumResult{Confirmed: map[string][]string{}}
	if len(surveys) == 0 {
		return res
	}

	var playedYes, playedNo int
	for _, s := range surveys {
		if s.WasPlayed {
			playedYes++
		} else {
			playedNo++
		}
	}
	if playedYes == 0 && playedNo > 0 {
		return res
	}
	res.Played = true

	reports := make(map[string]map[string]struct{})
	for _, s := range surveys {
		for _, absentID := range s.AbsentIDs {
			if absentID == "" || absentID == s.VoterID {
				continue
			}
			voters, ok := reports[absentID]
			if !ok {
				voters = make(map[string]struct{})
				reports[absentID] = voters
			}
			voters[s.VoterID] = struct{}{}
		}
	}

	for playerID, voters := range reports {
		if len(voters) < threshold {
			continue
		}
		ids := make([]string, 0, len(voters))
		for v := range voters {
			ids = append(ids, v)
		}
		sort.Strings(ids)
		res.Confirmed[playerID] = ids
	}
	return res
}

// IsConfirmed reports whether participantID was confirmed absent.
func (q QuorumResult) IsConfirmed(participantID string) bool {
	_, ok := q.Confirmed[participantID]
	return ok
}

// ConfirmedIDs returns the confirmed-absent participants in stable order.
func (q QuorumResult) ConfirmedIDs() []string {
	ids := make([]string, 0, len(q.Confirmed))
	for id := range q.Confirmed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
