package app

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/jaakkos/leadline/internal/domain"
)

// LeadInput is the payload for ingesting a lead.
type LeadInput struct {
	Name       string         `json:"name"`
	Phone      string         `json:"phone"`
	Email      string         `json:"email"`
	State      string         `json:"state"`
	City       string         `json:"city"`
	LeadSource string         `json:"leadSource"`
	Value      float64        `json:"value"`
	Metadata   map[string]any `json:"metadata"`
}

func (in LeadInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return invalid("name is required")
	}
	if strings.TrimSpace(in.Phone) == "" {
		return invalid("phone is required")
	}
	if math.IsInf(in.Value, 0) || math.IsNaN(in.Value) {
		return invalid("value must be a finite number")
	}
	if in.Value < 0 {
		return invalid("value must not be negative")
	}
	return nil
}

// IngestLead stores a new lead in status new and, when auto-assignment is
// on, hands it to the assigner.
func (s *CRMService) IngestLead(ctx context.Context, in LeadInput, actor string) (LeadView, error) {
	if err := in.validate(); err != nil {
		return LeadView{}, err
	}
	var out LeadView
	err := s.Run(ctx, func(state *domain.CRMState) error {
		now := s.now()
		source := strings.TrimSpace(in.LeadSource)
		if source == "" {
			source = "unknown"
		}
		state.Leads = append(state.Leads, domain.Lead{
			ID:         s.newID(),
			Name:       strings.TrimSpace(in.Name),
			Phone:      strings.TrimSpace(in.Phone),
			Email:      strings.TrimSpace(in.Email),
			State:      domain.StringPtr(strings.TrimSpace(in.State)),
			City:       domain.StringPtr(strings.TrimSpace(in.City)),
			LeadSource: source,
			Status:     domain.StatusNew,
			Value:      in.Value,
			Metadata:   in.Metadata,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		lead := &state.Leads[len(state.Leads)-1]
		s.logger.Info("lead ingested", zap.String("lead", lead.ID), zap.String("actor", actor), zap.String("source", source))
		if s.policy.AutoAssign() {
			s.autoAssign(state, lead, ActorAuto, domain.ReasonAuto)
		}
		out = NewLeadView(state, lead, false)
		return nil
	})
	return out, err
}

// ListLeads returns leads newest first, filtered by search and status.
func (s *CRMService) ListLeads(ctx context.Context, search, status string) ([]LeadView, error) {
	var out []LeadView
	err := s.Query(ctx, func(state *domain.CRMState) error {
		matched := FilterLeads(state.Leads, search, status)
		out = make([]LeadView, 0, len(matched))
		for i := len(matched) - 1; i >= 0; i-- {
			out = append(out, NewLeadView(state, &matched[i], false))
		}
		return nil
	})
	return out, err
}

// GetLead returns one lead with its assignment history.
func (s *CRMService) GetLead(ctx context.Context, id string) (LeadView, error) {
	var out LeadView
	err := s.Query(ctx, func(state *domain.CRMState) error {
		lead := state.FindLead(id)
		if lead == nil {
			return notFound("lead", id)
		}
		out = NewLeadView(state, lead, true)
		return nil
	})
	return out, err
}

// LeadHistory returns a lead's assignment history, oldest first.
func (s *CRMService) LeadHistory(ctx context.Context, id string) ([]domain.AssignmentHistory, error) {
	var out []domain.AssignmentHistory
	err := s.Query(ctx, func(state *domain.CRMState) error {
		if state.FindLead(id) == nil {
			return notFound("lead", id)
		}
		out = state.LeadHistory(id)
		if out == nil {
			out = []domain.AssignmentHistory{}
		}
		return nil
	})
	return out, err
}

// AssignLead assigns a lead to callerID, or unassigns it when callerID is
// empty. The target must be active and, unless force is set, below its
// daily limit. Assigning to the current caller changes nothing.
func (s *CRMService) AssignLead(ctx context.Context, leadID, callerID, actor string, force bool) (LeadView, error) {
	callerID = strings.TrimSpace(callerID)
	var out LeadView
	err := s.Run(ctx, func(state *domain.CRMState) error {
		lead := state.FindLead(leadID)
		if lead == nil {
			return notFound("lead", leadID)
		}
		now := s.now()
		if callerID == "" {
			out = NewLeadView(state, lead, true)
			if lead.AssignedCallerID == nil {
				return errSkipSave
			}
			s.assign(state, lead, nil, actor, domain.ReasonManual, now)
			out = NewLeadView(state, lead, true)
			return nil
		}
		caller, ok := state.Callers[callerID]
		if !ok || caller == nil {
			return notFound("caller", callerID)
		}
		if lead.CallerID() == callerID {
			out = NewLeadView(state, lead, true)
			return errSkipSave
		}
		if !caller.IsActive {
			return fmt.Errorf("assign lead %s to %s: %w", leadID, caller.Name, ErrInactiveCaller)
		}
		day := s.policy.Today(now)
		if !caller.HasCapacity(day) {
			if !force {
				return fmt.Errorf("assign lead %s to %s (%d/%d today): %w",
					leadID, caller.Name, caller.CountOn(day), caller.DailyLeadLimit, ErrCapacity)
			}
			s.logger.Warn("capacity overridden",
				zap.String("lead", leadID), zap.String("caller", callerID), zap.String("actor", actor))
		}
		s.assign(state, lead, caller, actor, domain.ReasonManual, now)
		out = NewLeadView(state, lead, true)
		return nil
	})
	return out, err
}

// UpdateLeadStatus moves a lead through its lifecycle. Setting new releases
// the caller; an unassigned lead can only be marked lost.
func (s *CRMService) UpdateLeadStatus(ctx context.Context, leadID, status, actor string) (LeadView, error) {
	st, err := domain.ParseLeadStatus(status)
	if err != nil {
		return LeadView{}, invalid("%v", err)
	}
	var out LeadView
	err = s.Run(ctx, func(state *domain.CRMState) error {
		lead := state.FindLead(leadID)
		if lead == nil {
			return notFound("lead", leadID)
		}
		now := s.now()
		switch {
		case lead.Status == st:
			out = NewLeadView(state, lead, true)
			return errSkipSave
		case st == domain.StatusNew:
			if lead.AssignedCallerID != nil {
				s.assign(state, lead, nil, actor, domain.ReasonStatus, now)
			}
			lead.Status = domain.StatusNew
		case lead.AssignedCallerID == nil && st != domain.StatusLost:
			return fmt.Errorf("lead %s has no caller, cannot mark %s: %w", leadID, st, ErrConflict)
		default:
			lead.Status = st
		}
		lead.UpdatedAt = now
		s.logger.Info("lead status changed", zap.String("lead", leadID), zap.String("status", string(st)), zap.String("actor", actor))
		out = NewLeadView(state, lead, true)
		return nil
	})
	return out, err
}

// AssignBacklog retries auto-assignment for unassigned new leads, oldest
// first. Returns how many leads found a caller.
func (s *CRMService) AssignBacklog(ctx context.Context, actor string) (int, error) {
	assigned := 0
	err := s.Run(ctx, func(state *domain.CRMState) error {
		assigned = s.assignBacklog(state, actor)
		if assigned == 0 {
			return errSkipSave
		}
		return nil
	})
	return assigned, err
}

func (s *CRMService) assignBacklog(state *domain.CRMState, actor string) int {
	n := 0
	for i := range state.Leads {
		lead := &state.Leads[i]
		if lead.Status != domain.StatusNew || lead.AssignedCallerID != nil {
			continue
		}
		if s.autoAssign(state, lead, actor, domain.ReasonBacklog) != nil {
			n++
		}
	}
	return n
}
