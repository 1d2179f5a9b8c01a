package app

import (
	"github.com/jaakkos/leadline/internal/domain"
)

// CallerRef is the caller summary embedded in lead views.
type CallerRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// LeadView is a lead as served to clients.
type LeadView struct {
	domain.Lead
	AssignedCaller    *CallerRef                 `json:"assignedCaller"`
	AssignmentHistory []domain.AssignmentHistory `json:"assignmentHistory,omitempty"`
}

// LeadEnvelope is the lead:new payload.
type LeadEnvelope struct {
	Lead LeadView `json:"lead"`
}

// CallerView is a caller with its count resolved for today and computed status.
type CallerView struct {
	domain.Caller
	Status domain.CallerStatus `json:"status"`
}

// NewLeadView builds the client view of lead. History is attached when withHistory is set.
func NewLeadView(state *domain.CRMState, lead *domain.Lead, withHistory bool) LeadView {
	v := LeadView{Lead: *lead}
	if id := lead.CallerID(); id != "" {
		if c, ok := state.Callers[id]; ok && c != nil {
			v.AssignedCaller = &CallerRef{ID: c.ID, Name: c.Name, Role: c.Role}
		}
	}
	if withHistory {
		v.AssignmentHistory = state.LeadHistory(lead.ID)
		if v.AssignmentHistory == nil {
			v.AssignmentHistory = []domain.AssignmentHistory{}
		}
	}
	return v
}

// NewCallerView builds the client view of c for day.
func NewCallerView(c *domain.Caller, day string) CallerView {
	v := CallerView{Caller: *c, Status: c.StatusOn(day)}
	v.TodayLeadCount = c.CountOn(day)
	if v.Languages == nil {
		v.Languages = []string{}
	}
	if v.AssignedStates == nil {
		v.AssignedStates = []string{}
	}
	return v
}
