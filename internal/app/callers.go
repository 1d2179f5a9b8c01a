package app

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/jaakkos/leadline/internal/domain"
)

// CallerInput is the payload for creating or updating a caller.
type CallerInput struct {
	Name           string   `json:"name"`
	Role           string   `json:"role"`
	Languages      []string `json:"languages"`
	DailyLeadLimit int      `json:"dailyLeadLimit"`
	AssignedStates []string `json:"assignedStates"`
	IsActive       *bool    `json:"isActive,omitempty"`
}

func (in *CallerInput) normalize(defaultLimit int) error {
	in.Name = strings.TrimSpace(in.Name)
	in.Role = strings.TrimSpace(in.Role)
	if in.Name == "" {
		return invalid("name is required")
	}
	if in.Role == "" {
		return invalid("role is required")
	}
	if in.DailyLeadLimit < 0 {
		return invalid("dailyLeadLimit must not be negative")
	}
	if in.DailyLeadLimit == 0 {
		in.DailyLeadLimit = defaultLimit
	}
	in.Languages = normalizeList(in.Languages)
	in.AssignedStates = normalizeList(in.AssignedStates)
	return nil
}

// CreateCaller adds an active caller and offers it the unassigned backlog.
func (s *CRMService) CreateCaller(ctx context.Context, in CallerInput, actor string) (CallerView, error) {
	if err := in.normalize(s.policy.DefaultDailyLimit()); err != nil {
		return CallerView{}, err
	}
	var out CallerView
	err := s.Run(ctx, func(state *domain.CRMState) error {
		now := s.now()
		c := &domain.Caller{
			ID:             s.newID(),
			Name:           in.Name,
			Role:           in.Role,
			Languages:      in.Languages,
			DailyLeadLimit: in.DailyLeadLimit,
			AssignedStates: in.AssignedStates,
			IsActive:       true,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		state.Callers[c.ID] = c
		s.logger.Info("caller created", zap.String("caller", c.ID), zap.String("name", c.Name), zap.String("actor", actor))
		if s.policy.AutoAssign() {
			s.assignBacklog(state, ActorAuto)
		}
		out = NewCallerView(c, s.policy.Today(now))
		return nil
	})
	return out, err
}

// UpdateCaller replaces a caller's editable fields. IsActive, when set,
// reactivates or deactivates the caller. Lowering the limit never releases
// leads already assigned.
func (s *CRMService) UpdateCaller(ctx context.Context, id string, in CallerInput, actor string) (CallerView, error) {
	if err := in.normalize(s.policy.DefaultDailyLimit()); err != nil {
		return CallerView{}, err
	}
	var out CallerView
	err := s.Run(ctx, func(state *domain.CRMState) error {
		c, ok := state.Callers[id]
		if !ok || c == nil {
			return notFound("caller", id)
		}
		now := s.now()
		c.Name = in.Name
		c.Role = in.Role
		c.Languages = in.Languages
		c.DailyLeadLimit = in.DailyLeadLimit
		c.AssignedStates = in.AssignedStates
		c.UpdatedAt = now
		if in.IsActive != nil && *in.IsActive != c.IsActive {
			if *in.IsActive {
				c.IsActive = true
				s.logger.Info("caller reactivated", zap.String("caller", id), zap.String("actor", actor))
			} else {
				s.deactivate(state, c, actor)
			}
		}
		if s.policy.AutoAssign() {
			s.assignBacklog(state, ActorAuto)
		}
		out = NewCallerView(c, s.policy.Today(now))
		return nil
	})
	return out, err
}

// DeactivateCaller soft-deletes a caller. Leads it holds in status assigned
// are released and re-run through auto-assignment when configured.
func (s *CRMService) DeactivateCaller(ctx context.Context, id, actor string) (CallerView, error) {
	var out CallerView
	err := s.Run(ctx, func(state *domain.CRMState) error {
		c, ok := state.Callers[id]
		if !ok || c == nil {
			return notFound("caller", id)
		}
		out = NewCallerView(c, s.Today())
		if !c.IsActive {
			return errSkipSave
		}
		s.deactivate(state, c, actor)
		out = NewCallerView(c, s.Today())
		return nil
	})
	return out, err
}

func (s *CRMService) deactivate(state *domain.CRMState, c *domain.Caller, actor string) {
	now := s.now()
	c.IsActive = false
	c.UpdatedAt = now
	released := 0
	if s.policy.ReassignOnDeactivate() {
		for i := range state.Leads {
			lead := &state.Leads[i]
			if lead.CallerID() != c.ID || lead.Status != domain.StatusAssigned {
				continue
			}
			s.assign(state, lead, nil, actor, domain.ReasonDeactivated, now)
			released++
			if s.policy.AutoAssign() {
				s.autoAssign(state, lead, ActorAuto, domain.ReasonAuto)
			}
		}
	}
	s.logger.Info("caller deactivated", zap.String("caller", c.ID), zap.String("actor", actor), zap.Int("released_leads", released))
}

// ListCallers returns callers in creation order, filtered by search.
func (s *CRMService) ListCallers(ctx context.Context, search string) ([]CallerView, error) {
	var out []CallerView
	err := s.Query(ctx, func(state *domain.CRMState) error {
		day := s.Today()
		ordered := OrderedCallers(state)
		out = make([]CallerView, 0, len(ordered))
		for _, c := range ordered {
			out = append(out, NewCallerView(c, day))
		}
		out = FilterCallers(out, search)
		return nil
	})
	return out, err
}

// GetCaller returns one caller.
func (s *CRMService) GetCaller(ctx context.Context, id string) (CallerView, error) {
	var out CallerView
	err := s.Query(ctx, func(state *domain.CRMState) error {
		c, ok := state.Callers[id]
		if !ok || c == nil {
			return notFound("caller", id)
		}
		out = NewCallerView(c, s.Today())
		return nil
	})
	return out, err
}

// RolloverCounts resets counts recorded for an earlier day so persisted
// state and pushed caller records agree with the lazy reset. Returns the
// number of callers touched.
func (s *CRMService) RolloverCounts(ctx context.Context) (int, error) {
	var n int
	err := s.Run(ctx, func(state *domain.CRMState) error {
		n = 0
		now := s.now()
		day := s.policy.Today(now)
		for _, c := range state.Callers {
			if c == nil || c.CountDate == day || c.TodayLeadCount == 0 {
				continue
			}
			c.TodayLeadCount = 0
			c.CountDate = day
			c.UpdatedAt = now
			n++
		}
		if n == 0 {
			return errSkipSave
		}
		s.logger.Info("daily lead counts rolled over", zap.String("day", day), zap.Int("callers", n))
		return nil
	})
	return n, err
}
