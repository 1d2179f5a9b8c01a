package app

import (
	"time"

	"github.com/jaakkos/leadline/internal/domain"
)

// PruneHistory removes audit entries older than maxAgeDays, then the oldest
// entries beyond maxCount. Zero disables either bound. Returns number pruned.
func PruneHistory(state *domain.CRMState, maxCount, maxAgeDays int, now time.Time) int {
	if state == nil || len(state.History) == 0 {
		return 0
	}
	pruned := 0
	if maxAgeDays > 0 {
		cutoff := now.AddDate(0, 0, -maxAgeDays)
		kept := state.History[:0]
		for _, h := range state.History {
			if h.Timestamp.After(cutoff) {
				kept = append(kept, h)
			} else {
				pruned++
			}
		}
		state.History = kept
	}
	if maxCount > 0 && len(state.History) > maxCount {
		excess := len(state.History) - maxCount
		state.History = append([]domain.AssignmentHistory(nil), state.History[excess:]...)
		pruned += excess
	}
	return pruned
}

// EnsureStateMaps initializes nil maps and slices on state loaded from an empty store.
func EnsureStateMaps(state *domain.CRMState) {
	if state == nil {
		return
	}
	if state.Leads == nil {
		state.Leads = []domain.Lead{}
	}
	if state.Callers == nil {
		state.Callers = make(map[string]*domain.Caller)
	}
	if state.History == nil {
		state.History = []domain.AssignmentHistory{}
	}
	if state.RoundRobinCursor < 0 {
		state.RoundRobinCursor = 0
	}
}
