// Package incidence computes crude incidence rates per exposure cohort and
// outcome: number of subjects, outcome events, days at risk and the event
// rate per 1000 person-years.
package incidence

import (
	"context"
	"embed"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ohdsi-contrib/legend/internal/adapter"
	"github.com/ohdsi-contrib/legend/internal/cohorts"
	"github.com/ohdsi-contrib/legend/internal/sqlrender"
)

//go:embed sql/*.sql
var templates embed.FS

// IncidenceFileName is the CSV written into the indication folder.
const IncidenceFileName = "incidence.csv"

const daysPerYear = 365.25

// Rate is one incidence result.
type Rate struct {
	ExposureID        int
	OutcomeID         int
	Subjects          int64
	Outcomes          int64
	DaysAtRisk        int64
	RatePer1000PYears float64
}

// Params carries everything the incidence stage needs.
type Params struct {
	DB            adapter.Adapter
	Log           *slog.Logger
	CohortSchema  string
	ExposureTable string
	OutcomeTable  string
	Comparisons   []cohorts.Comparison
	OutcomeIDs    []int
	OutputFolder  string
}

// ComputeIncidence computes one rate per exposure cohort and outcome, over
// every distinct target and comparator cohort, and writes incidence.csv.
func ComputeIncidence(ctx context.Context, p Params) ([]Rate, error) {
	for _, table := range []string{p.ExposureTable, p.OutcomeTable} {
		qualified := p.CohortSchema + "." + table
		ok, err := p.DB.TableExists(ctx, qualified)
		if err != nil {
			return nil, fmt.Errorf("failed to check for table %s: %w", qualified, err)
		}
		if !ok {
			return nil, fmt.Errorf("cohort table %s does not exist, run the cohort stages first", qualified)
		}
	}

	exposureIDs := cohorts.ExposureIDs(p.Comparisons)
	rates := make([]Rate, 0, len(exposureIDs)*len(p.OutcomeIDs))

	for _, exposureID := range exposureIDs {
		for _, outcomeID := range p.OutcomeIDs {
			p.Log.Debug("computing incidence", "exposure_id", exposureID, "outcome_id", outcomeID)
			rate, err := computeRate(ctx, p, exposureID, outcomeID)
			if err != nil {
				return nil, err
			}
			rates = append(rates, rate)
		}
	}

	if err := writeRates(p.OutputFolder, rates); err != nil {
		return nil, err
	}
	return rates, nil
}

// computeRate runs the templated count query and derives the rate.
func computeRate(ctx context.Context, p Params, exposureID, outcomeID int) (Rate, error) {
	raw, err := templates.ReadFile("sql/GetIncidenceCounts.sql")
	if err != nil {
		return Rate{}, fmt.Errorf("failed to read template: %w", err)
	}
	rendered, err := sqlrender.Render("sql/GetIncidenceCounts.sql", string(raw), map[string]string{
		"cohort_schema":  p.CohortSchema,
		"exposure_table": p.ExposureTable,
		"outcome_table":  p.OutcomeTable,
		"exposure_id":    strconv.Itoa(exposureID),
		"outcome_id":     strconv.Itoa(outcomeID),
	})
	if err != nil {
		return Rate{}, err
	}

	stmts := sqlrender.Split(rendered)
	if len(stmts) != 1 {
		return Rate{}, fmt.Errorf("expected a single count statement, got %d", len(stmts))
	}

	rate := Rate{ExposureID: exposureID, OutcomeID: outcomeID}
	row := p.DB.QueryRow(ctx, stmts[0])
	if err := row.Scan(&rate.Subjects, &rate.Outcomes, &rate.DaysAtRisk); err != nil {
		return Rate{}, fmt.Errorf("failed to compute incidence for cohort %d outcome %d: %w",
			exposureID, outcomeID, err)
	}

	if rate.DaysAtRisk > 0 {
		personYears := float64(rate.DaysAtRisk) / daysPerYear
		rate.RatePer1000PYears = float64(rate.Outcomes) / personYears * 1000
	}
	return rate, nil
}

// writeRates writes incidence.csv into the output folder.
func writeRates(folder string, rates []Rate) error {
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder %s: %w", folder, err)
	}

	path := filepath.Join(folder, IncidenceFileName)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"exposure_id", "outcome_id", "subjects", "outcomes", "days_at_risk", "rate_per_1000_pyears"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	for _, r := range rates {
		record := []string{
			strconv.Itoa(r.ExposureID),
			strconv.Itoa(r.OutcomeID),
			strconv.FormatInt(r.Subjects, 10),
			strconv.FormatInt(r.Outcomes, 10),
			strconv.FormatInt(r.DaysAtRisk, 10),
			strconv.FormatFloat(r.RatePer1000PYears, 'f', 2, 64),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
