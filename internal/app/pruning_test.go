package app

import (
	"testing"
	"time"

	"github.com/jaakkos/leadline/internal/domain"
)

func historyAged(now time.Time, hours ...int) *domain.CRMState {
	s := domain.NewCRMState()
	for i, h := range hours {
		s.History = append(s.History, domain.AssignmentHistory{
			ID: string(rune('a' + i)), LeadID: "l", Timestamp: now.Add(-time.Duration(h) * time.Hour),
		})
	}
	return s
}

func TestPruneHistory_maxCount(t *testing.T) {
	now := time.Now()
	s := historyAged(now, 5, 4, 3, 2, 1)
	if n := PruneHistory(s, 3, 0, now); n != 2 {
		t.Errorf("pruned = %d, want 2", n)
	}
	if len(s.History) != 3 || s.History[0].ID != "c" {
		t.Errorf("should keep the newest 3, got %+v", s.History)
	}
}

func TestPruneHistory_maxAgeDays(t *testing.T) {
	now := time.Now()
	s := historyAged(now, 24*10, 24*8, 5, 1)
	if n := PruneHistory(s, 0, 7, now); n != 2 {
		t.Errorf("pruned = %d, want 2", n)
	}
	if len(s.History) != 2 || s.History[0].ID != "c" {
		t.Errorf("history = %+v", s.History)
	}
}

func TestPruneHistory_nilOrEmpty(t *testing.T) {
	if n := PruneHistory(nil, 5, 5, time.Now()); n != 0 {
		t.Errorf("nil state pruned %d", n)
	}
	if n := PruneHistory(domain.NewCRMState(), 5, 5, time.Now()); n != 0 {
		t.Errorf("empty state pruned %d", n)
	}
}

func TestEnsureStateMaps(t *testing.T) {
	s := &domain.CRMState{RoundRobinCursor: -3}
	EnsureStateMaps(s)
	if s.Leads == nil || s.Callers == nil || s.History == nil || s.RoundRobinCursor != 0 {
		t.Errorf("EnsureStateMaps left %+v", s)
	}
	EnsureStateMaps(nil)
}
