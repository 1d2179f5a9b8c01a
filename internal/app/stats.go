package app

import (
	"context"

	"github.com/jaakkos/leadline/internal/domain"
)

// Stats is the dashboard summary.
type Stats struct {
	TotalLeads        int     `json:"totalLeads"`
	NewLeads          int     `json:"newLeads"`
	AssignedLeads     int     `json:"assignedLeads"`
	ContactedLeads    int     `json:"contactedLeads"`
	QualifiedLeads    int     `json:"qualifiedLeads"`
	ClosedLeads       int     `json:"closedLeads"`
	LostLeads         int     `json:"lostLeads"`
	Revenue           float64 `json:"revenue"`
	TotalCallers      int     `json:"totalCallers"`
	ActiveCallers     int     `json:"activeCallers"`
	CallersAtCapacity int     `json:"callersAtCapacity"`
}

// ComputeStats summarizes state for day. Revenue is the value of closed leads;
// a caller counts as active unless offline.
func ComputeStats(state *domain.CRMState, day string) Stats {
	var st Stats
	st.TotalLeads = len(state.Leads)
	for _, l := range state.Leads {
		switch l.Status {
		case domain.StatusNew:
			st.NewLeads++
		case domain.StatusAssigned:
			st.AssignedLeads++
		case domain.StatusContacted:
			st.ContactedLeads++
		case domain.StatusQualified:
			st.QualifiedLeads++
		case domain.StatusClosed:
			st.ClosedLeads++
			st.Revenue += l.Value
		case domain.StatusLost:
			st.LostLeads++
		}
	}
	for _, c := range state.Callers {
		if c == nil {
			continue
		}
		st.TotalCallers++
		switch c.StatusOn(day) {
		case domain.CallerActive:
			st.ActiveCallers++
		case domain.CallerBusy:
			st.ActiveCallers++
			st.CallersAtCapacity++
		}
	}
	return st
}

// Stats returns the current dashboard summary.
func (s *CRMService) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	err := s.Query(ctx, func(state *domain.CRMState) error {
		out = ComputeStats(state, s.Today())
		return nil
	})
	return out, err
}
