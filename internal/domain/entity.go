// Package domain holds CRM entities and aggregate state.
// It has no dependencies on other packages.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// LeadStatus is the canonical lead lifecycle status.
type LeadStatus string

const (
	StatusNew       LeadStatus = "new"
	StatusAssigned  LeadStatus = "assigned"
	StatusContacted LeadStatus = "contacted"
	StatusQualified LeadStatus = "qualified"
	StatusClosed    LeadStatus = "closed"
	StatusLost      LeadStatus = "lost"
)

// LeadStatuses lists every canonical status in lifecycle order.
var LeadStatuses = []LeadStatus{StatusNew, StatusAssigned, StatusContacted, StatusQualified, StatusClosed, StatusLost}

// ParseLeadStatus normalizes s into a canonical status. The legacy dashboard
// values "unassigned" and "pending" map to new and assigned.
func ParseLeadStatus(s string) (LeadStatus, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "unassigned":
		return StatusNew, nil
	case "pending":
		return StatusAssigned, nil
	}
	for _, st := range LeadStatuses {
		if string(st) == v {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown lead status %q", s)
}

// IsOpen reports whether a lead in this status is still being worked.
func (s LeadStatus) IsOpen() bool {
	return s != StatusClosed && s != StatusLost
}

// Lead is an inbound sales contact.
type Lead struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Phone            string         `json:"phone"`
	Email            string         `json:"email,omitempty"`
	State            *string        `json:"state"`
	City             *string        `json:"city,omitempty"`
	LeadSource       string         `json:"leadSource"`
	Status           LeadStatus     `json:"status"`
	AssignedCallerID *string        `json:"assignedCallerId"`
	Value            float64        `json:"value,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// CallerID returns the assigned caller id or "".
func (l *Lead) CallerID() string {
	if l.AssignedCallerID == nil {
		return ""
	}
	return *l.AssignedCallerID
}

// StateName returns the lead's state or "".
func (l *Lead) StateName() string {
	if l.State == nil {
		return ""
	}
	return *l.State
}

// CallerStatus is the computed availability of a caller.
type CallerStatus string

const (
	CallerActive  CallerStatus = "active"
	CallerBusy    CallerStatus = "busy"
	CallerOffline CallerStatus = "offline"
)

// Caller is a sales-team member who receives leads up to a daily limit.
type Caller struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Role           string    `json:"role"`
	Languages      []string  `json:"languages"`
	DailyLeadLimit int       `json:"dailyLeadLimit"`
	AssignedStates []string  `json:"assignedStates"`
	IsActive       bool      `json:"isActive"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	TodayLeadCount int       `json:"todayLeadCount"`
	CountDate      string    `json:"countDate,omitempty"` // YYYY-MM-DD the count belongs to
	LastAssignedAt time.Time `json:"lastAssignedAt,omitempty"`
}

// CountOn returns the number of leads received on day. A count recorded for
// another day is stale and reads as zero.
func (c *Caller) CountOn(day string) int {
	if c.CountDate != day {
		return 0
	}
	return c.TodayLeadCount
}

// HasCapacity reports whether the caller may receive another lead on day.
func (c *Caller) HasCapacity(day string) bool {
	return c.IsActive && c.CountOn(day) < c.DailyLeadLimit
}

// StatusOn computes the caller's availability for day.
func (c *Caller) StatusOn(day string) CallerStatus {
	if !c.IsActive {
		return CallerOffline
	}
	if c.CountOn(day) >= c.DailyLeadLimit {
		return CallerBusy
	}
	return CallerActive
}

// Covers reports whether the caller serves leads from state. Callers
// without assigned states are not restricted, but Covers only reports
// explicit matches.
func (c *Caller) Covers(state string) bool {
	if state == "" {
		return false
	}
	for _, s := range c.AssignedStates {
		if strings.EqualFold(s, state) {
			return true
		}
	}
	return false
}

// AssignmentReason records why an assignment changed.
type AssignmentReason string

const (
	ReasonAuto        AssignmentReason = "auto"
	ReasonManual      AssignmentReason = "manual"
	ReasonDeactivated AssignmentReason = "deactivated"
	ReasonBacklog     AssignmentReason = "backlog"
	ReasonStatus      AssignmentReason = "status"
)

// AssignmentHistory is one audit entry of a lead's caller changing.
type AssignmentHistory struct {
	ID           string           `json:"id"`
	LeadID       string           `json:"leadId"`
	CallerID     *string          `json:"callerId"`
	AssignedBy   string           `json:"assignedBy"`
	PrevCallerID *string          `json:"prevCallerId"`
	Reason       AssignmentReason `json:"reason,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// ErrStaleState is returned by a repository Save when another writer
// committed since the state was loaded.
var ErrStaleState = errors.New("state changed by another writer")

// CRMState is the aggregate CRM state.
type CRMState struct {
	Leads            []Lead              `json:"leads"`
	Callers          map[string]*Caller  `json:"callers"`
	History          []AssignmentHistory `json:"history"`
	RoundRobinCursor int                 `json:"round_robin_cursor"`

	// Revision is the stored revision this state was loaded at.
	Revision int64 `json:"-"`
}

// NewCRMState returns an empty CRMState with maps and slices initialized.
func NewCRMState() *CRMState {
	return &CRMState{
		Leads:   []Lead{},
		Callers: make(map[string]*Caller),
		History: []AssignmentHistory{},
	}
}

// FindLead returns a pointer into Leads for id, or nil.
func (s *CRMState) FindLead(id string) *Lead {
	for i := range s.Leads {
		if s.Leads[i].ID == id {
			return &s.Leads[i]
		}
	}
	return nil
}

// LeadHistory returns the history entries for a lead, oldest first.
func (s *CRMState) LeadHistory(leadID string) []AssignmentHistory {
	var out []AssignmentHistory
	for _, h := range s.History {
		if h.LeadID == leadID {
			out = append(out, h)
		}
	}
	return out
}

// StringPtr returns a pointer to v, or nil when v is empty.
func StringPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
