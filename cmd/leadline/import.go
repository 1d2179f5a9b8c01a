package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jaakkos/leadline/internal/app"
	"github.com/jaakkos/leadline/internal/policy"
	"github.com/jaakkos/leadline/internal/repository"
)

// ActorImport is recorded as the actor for leads ingested from CSV.
const ActorImport = "import"

var importCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Ingest leads from a CSV file",
	Long: `Ingest leads from a CSV file with a header row.

Recognized columns: name, phone, email, state, city, source (or leadSource),
value. Each row goes through the assignment engine; a running server pushes
the new leads to connected clients.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		pol := policy.New(cfg)
		repo, err := repository.NewStateRepository(pol.DatabaseDriver(), pol.DatabaseDSN())
		if err != nil {
			return err
		}
		defer repo.Close()

		svc := app.NewCRMService(repo, pol, logger)
		res, err := importLeads(cmd.Context(), svc, f, logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported=%d assigned=%d skipped=%d\n", res.Imported, res.Assigned, res.Skipped)
		return nil
	},
}

type importResult struct {
	Imported int
	Assigned int
	Skipped  int
}

var importColumns = map[string]string{
	"name":        "name",
	"phone":       "phone",
	"email":       "email",
	"state":       "state",
	"city":        "city",
	"source":      "source",
	"leadsource":  "source",
	"lead_source": "source",
	"value":       "value",
}

// importLeads ingests every data row of r. Rows that fail validation are
// logged and skipped; a malformed CSV aborts the import.
func importLeads(ctx context.Context, svc *app.CRMService, r io.Reader, logger *zap.Logger) (importResult, error) {
	var res importResult
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return res, fmt.Errorf("csv is empty")
		}
		return res, fmt.Errorf("read csv header: %w", err)
	}
	cols := make(map[string]int)
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if field, ok := importColumns[key]; ok {
			cols[field] = i
		}
	}
	if _, ok := cols["name"]; !ok {
		return res, fmt.Errorf("csv header must include a name column")
	}
	if _, ok := cols["phone"]; !ok {
		return res, fmt.Errorf("csv header must include a phone column")
	}

	line := 1
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return res, fmt.Errorf("read csv line %d: %w", line, err)
		}
		get := func(field string) string {
			i, ok := cols[field]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}

		in := app.LeadInput{
			Name:       get("name"),
			Phone:      get("phone"),
			Email:      get("email"),
			State:      get("state"),
			City:       get("city"),
			LeadSource: get("source"),
		}
		if v := get("value"); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				logger.Warn("skipping row", zap.Int("line", line), zap.String("reason", "value is not a number"), zap.String("value", v))
				res.Skipped++
				continue
			}
			in.Value = f
		}

		lead, err := svc.IngestLead(ctx, in, ActorImport)
		if err != nil {
			if !errors.Is(err, app.ErrValidation) {
				return res, fmt.Errorf("ingest line %d: %w", line, err)
			}
			logger.Warn("skipping row", zap.Int("line", line), zap.Error(err))
			res.Skipped++
			continue
		}
		res.Imported++
		if lead.AssignedCallerID != nil {
			res.Assigned++
		}
	}
	return res, nil
}
