package app

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/jaakkos/leadline/internal/domain"
)

// AssignmentStrategy picks one of the candidates for a lead, or nil.
// It may update bookkeeping on state (the round-robin cursor).
type AssignmentStrategy func(candidates []*domain.Caller, state *domain.CRMState, day string) *domain.Caller

// StrategyByName returns the strategy for least_loaded or round_robin.
// Unknown names fall back to round robin.
func StrategyByName(name string) AssignmentStrategy {
	if name == "least_loaded" {
		return LeastLoadedStrategy
	}
	return RoundRobinStrategy
}

// RoundRobinStrategy walks every caller in creation order starting at the
// persisted cursor and takes the first one that is a candidate. The cursor
// then moves past the chosen caller.
func RoundRobinStrategy(candidates []*domain.Caller, state *domain.CRMState, day string) *domain.Caller {
	ordered := OrderedCallers(state)
	if len(ordered) == 0 || len(candidates) == 0 {
		return nil
	}
	ok := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		ok[c.ID] = true
	}
	start := state.RoundRobinCursor
	if start < 0 {
		start = 0
	}
	for i := range ordered {
		idx := (start + i) % len(ordered)
		if c := ordered[idx]; ok[c.ID] {
			state.RoundRobinCursor = (idx + 1) % len(ordered)
			return c
		}
	}
	return nil
}

// LeastLoadedStrategy picks the candidate with the fewest leads today.
// Ties go to the caller assigned least recently, then to the oldest caller.
func LeastLoadedStrategy(candidates []*domain.Caller, _ *domain.CRMState, day string) *domain.Caller {
	var best *domain.Caller
	for _, c := range candidates {
		if best == nil || lessLoaded(c, best, day) {
			best = c
		}
	}
	return best
}

func lessLoaded(a, b *domain.Caller, day string) bool {
	if ca, cb := a.CountOn(day), b.CountOn(day); ca != cb {
		return ca < cb
	}
	if !a.LastAssignedAt.Equal(b.LastAssignedAt) {
		return a.LastAssignedAt.Before(b.LastAssignedAt)
	}
	return createdBefore(a, b)
}

func createdBefore(a, b *domain.Caller) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// OrderedCallers returns all callers sorted by creation time.
func OrderedCallers(state *domain.CRMState) []*domain.Caller {
	out := make([]*domain.Caller, 0, len(state.Callers))
	for _, c := range state.Callers {
		if c != nil {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return createdBefore(out[i], out[j]) })
	return out
}

// Candidates returns the callers that may receive lead on day: active callers
// with capacity covering the lead's state, or when none covers it, the ones
// without a state restriction.
func Candidates(lead *domain.Lead, state *domain.CRMState, day string) []*domain.Caller {
	var covering, open []*domain.Caller
	for _, c := range OrderedCallers(state) {
		if !c.HasCapacity(day) {
			continue
		}
		switch {
		case c.Covers(lead.StateName()):
			covering = append(covering, c)
		case len(c.AssignedStates) == 0:
			open = append(open, c)
		}
	}
	if len(covering) > 0 {
		return covering
	}
	return open
}

// autoAssign runs the configured strategy for lead. Returns the chosen caller or nil.
func (s *CRMService) autoAssign(state *domain.CRMState, lead *domain.Lead, actor string, reason domain.AssignmentReason) *domain.Caller {
	now := s.now()
	day := s.policy.Today(now)
	caller := StrategyByName(s.policy.AssignmentStrategy())(Candidates(lead, state, day), state, day)
	if caller == nil {
		s.logger.Debug("no caller available",
			zap.String("lead", lead.ID),
			zap.String("state", lead.StateName()),
		)
		return nil
	}
	s.assign(state, lead, caller, actor, reason, now)
	return caller
}

// assign moves lead to caller (nil unassigns) and appends an audit entry.
// Capacity checks are the caller's responsibility.
func (s *CRMService) assign(state *domain.CRMState, lead *domain.Lead, caller *domain.Caller, actor string, reason domain.AssignmentReason, now time.Time) {
	prev := lead.AssignedCallerID
	entry := domain.AssignmentHistory{
		ID:           s.newID(),
		LeadID:       lead.ID,
		AssignedBy:   actor,
		PrevCallerID: prev,
		Reason:       reason,
		Timestamp:    now,
	}
	if caller == nil {
		lead.AssignedCallerID = nil
		lead.Status = domain.StatusNew
	} else {
		day := s.policy.Today(now)
		if caller.CountDate != day {
			caller.TodayLeadCount = 0
			caller.CountDate = day
		}
		caller.TodayLeadCount++
		caller.LastAssignedAt = now
		caller.UpdatedAt = now
		lead.AssignedCallerID = domain.StringPtr(caller.ID)
		if lead.Status == domain.StatusNew {
			lead.Status = domain.StatusAssigned
		}
		entry.CallerID = domain.StringPtr(caller.ID)
	}
	lead.UpdatedAt = now
	state.History = append(state.History, entry)

	fields := []zap.Field{
		zap.String("lead", lead.ID),
		zap.String("actor", actor),
		zap.String("reason", string(reason)),
	}
	if prev != nil {
		fields = append(fields, zap.String("prev_caller", *prev))
	}
	if caller != nil {
		s.logger.Info("lead assigned", append(fields, zap.String("caller", caller.ID), zap.Int("today_count", caller.TodayLeadCount))...)
	} else {
		s.logger.Info("lead unassigned", fields...)
	}
}
