// Package app implements the lead-assignment use cases and defines ports (repository interfaces).
package app

import (
	"github.com/jaakkos/leadline/internal/domain"
)

// StateRepository loads and saves the full CRM state.
// Implementation: internal/repository/sqlstore.
type StateRepository interface {
	Load() (*domain.CRMState, error)
	Save(*domain.CRMState) error
}
