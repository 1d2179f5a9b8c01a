package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jaakkos/leadline/internal/domain"
	"github.com/jaakkos/leadline/internal/policy"
	"github.com/jaakkos/leadline/internal/repository"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print lead and caller counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pol := policy.New(cfg)
		repo, err := repository.NewStateRepository(pol.DatabaseDriver(), pol.DatabaseDSN())
		if err != nil {
			return err
		}
		defer repo.Close()

		state, err := repo.Load()
		if err != nil {
			return fmt.Errorf("load state: %w", err)
		}
		writeStatus(cmd.OutOrStdout(), state)
		return nil
	},
}

// writeStatus prints "leads=N unassigned=N callers=N active=N".
func writeStatus(w io.Writer, state *domain.CRMState) {
	unassigned := 0
	for _, l := range state.Leads {
		if l.AssignedCallerID == nil && l.Status.IsOpen() {
			unassigned++
		}
	}
	active := 0
	for _, c := range state.Callers {
		if c != nil && c.IsActive {
			active++
		}
	}
	fmt.Fprintf(w, "leads=%d unassigned=%d callers=%d active=%d\n", len(state.Leads), unassigned, len(state.Callers), active)
}
