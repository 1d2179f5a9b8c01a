package app

import (
	"strings"

	"golang.org/x/text/cases"

	"github.com/jaakkos/leadline/internal/domain"
)

func fold(s string) string {
	return cases.Fold().String(s)
}

func containsFold(s, sub string) bool {
	return strings.Contains(fold(s), sub)
}

// FilterLeads keeps leads whose name, phone or status contains search
// (case-insensitive) and whose status equals status. Empty or "all" status
// disables the status filter; legacy status names are normalized first.
func FilterLeads(leads []domain.Lead, search, status string) []domain.Lead {
	q := fold(strings.TrimSpace(search))
	var want domain.LeadStatus
	filterStatus := status != "" && !strings.EqualFold(status, "all")
	if filterStatus {
		if st, err := domain.ParseLeadStatus(status); err == nil {
			want = st
		} else {
			want = domain.LeadStatus(status)
		}
	}
	out := make([]domain.Lead, 0, len(leads))
	for _, l := range leads {
		if filterStatus && l.Status != want {
			continue
		}
		if q != "" && !containsFold(l.Name, q) && !containsFold(l.Phone, q) && !containsFold(string(l.Status), q) {
			continue
		}
		out = append(out, l)
	}
	return out
}

// FilterCallers keeps callers whose name, role or one of whose states contains search.
func FilterCallers(callers []CallerView, search string) []CallerView {
	q := fold(strings.TrimSpace(search))
	if q == "" {
		return callers
	}
	out := make([]CallerView, 0, len(callers))
	for _, c := range callers {
		if containsFold(c.Name, q) || containsFold(c.Role, q) || anyContainsFold(c.AssignedStates, q) {
			out = append(out, c)
		}
	}
	return out
}

func anyContainsFold(values []string, q string) bool {
	for _, v := range values {
		if containsFold(v, q) {
			return true
		}
	}
	return false
}

// normalizeList trims values, drops empties and removes case-insensitive duplicates.
func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[fold(v)] {
			continue
		}
		seen[fold(v)] = true
		out = append(out, v)
	}
	return out
}
