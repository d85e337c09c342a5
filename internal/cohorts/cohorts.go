// Package cohorts materializes exposure and outcome cohort tables in the
// scratch schema. Cohorts are instantiated per definition id and paired
// exposure cohorts are unioned according to the comparison set.
package cohorts

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ohdsi-contrib/legend/internal/adapter"
	"github.com/ohdsi-contrib/legend/internal/sqlrender"
)

//go:embed sql/*.sql
var templates embed.FS

// ComparisonTable is the scratch table the comparison set is loaded into.
const ComparisonTable = "comparisons"

// Params carries everything the cohort stages need.
type Params struct {
	DB           adapter.Adapter
	Log          *slog.Logger
	CDMSchema    string
	CohortSchema string
	Table        string
	Comparisons  []Comparison
	OutcomeIDs   []int

	// ComparisonsFile, when set, is loaded into the scratch schema so the
	// comparison set driving the run is recorded next to its cohorts.
	ComparisonsFile string
}

// CreateExposureCohorts builds the exposure cohort table: one cohort per
// distinct exposure id, plus one unioned cohort per comparison pair.
// Returns the total number of rows in the table.
func CreateExposureCohorts(ctx context.Context, p Params) (int64, error) {
	if err := createCohortTable(ctx, p); err != nil {
		return 0, err
	}

	if p.ComparisonsFile != "" {
		table := p.CohortSchema + "." + ComparisonTable
		p.Log.Debug("loading comparison set", "table", table, "path", p.ComparisonsFile)
		if err := p.DB.LoadCSV(ctx, table, p.ComparisonsFile); err != nil {
			return 0, fmt.Errorf("failed to load comparison set into %s: %w", table, err)
		}
	}

	for _, exposureID := range ExposureIDs(p.Comparisons) {
		p.Log.Debug("instantiating exposure cohort", "exposure_id", exposureID)
		err := execTemplate(ctx, p.DB, "sql/InsertExposureCohort.sql", map[string]string{
			"cdm_schema":    p.CDMSchema,
			"cohort_schema": p.CohortSchema,
			"cohort_table":  p.Table,
			"exposure_id":   strconv.Itoa(exposureID),
		})
		if err != nil {
			return 0, fmt.Errorf("failed to create exposure cohort %d: %w", exposureID, err)
		}
	}

	// Union each target/comparator pair into a combined cohort. Only pairs
	// present in the comparison set contribute rows.
	for _, comparison := range p.Comparisons {
		p.Log.Debug("unioning exposure cohorts",
			"target_id", comparison.TargetID,
			"comparator_id", comparison.ComparatorID,
			"combined_id", comparison.CombinedCohortID())
		err := execTemplate(ctx, p.DB, "sql/UnionExposureCohorts.sql", map[string]string{
			"cohort_schema": p.CohortSchema,
			"cohort_table":  p.Table,
			"target_id":     strconv.Itoa(comparison.TargetID),
			"comparator_id": strconv.Itoa(comparison.ComparatorID),
			"combined_id":   strconv.Itoa(comparison.CombinedCohortID()),
		})
		if err != nil {
			return 0, fmt.Errorf("failed to union cohorts %d and %d: %w",
				comparison.TargetID, comparison.ComparatorID, err)
		}
	}

	return CountRows(ctx, p.DB, p.CohortSchema, p.Table)
}

// CreateOutcomeCohorts builds the outcome cohort table, one cohort per
// outcome id. Returns the total number of rows in the table.
func CreateOutcomeCohorts(ctx context.Context, p Params) (int64, error) {
	if err := createCohortTable(ctx, p); err != nil {
		return 0, err
	}

	for _, outcomeID := range p.OutcomeIDs {
		p.Log.Debug("instantiating outcome cohort", "outcome_id", outcomeID)
		err := execTemplate(ctx, p.DB, "sql/InsertOutcomeCohort.sql", map[string]string{
			"cdm_schema":    p.CDMSchema,
			"cohort_schema": p.CohortSchema,
			"cohort_table":  p.Table,
			"outcome_id":    strconv.Itoa(outcomeID),
		})
		if err != nil {
			return 0, fmt.Errorf("failed to create outcome cohort %d: %w", outcomeID, err)
		}
	}

	return CountRows(ctx, p.DB, p.CohortSchema, p.Table)
}

// createCohortTable drops and recreates the cohort table.
func createCohortTable(ctx context.Context, p Params) error {
	err := execTemplate(ctx, p.DB, "sql/CreateCohortTable.sql", map[string]string{
		"cohort_schema": p.CohortSchema,
		"cohort_table":  p.Table,
	})
	if err != nil {
		return fmt.Errorf("failed to create cohort table %s.%s: %w", p.CohortSchema, p.Table, err)
	}
	return nil
}

// CountRows returns the row count of a cohort table.
func CountRows(ctx context.Context, db adapter.Adapter, schema, table string) (int64, error) {
	var count int64
	row := db.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s.%s", schema, table))
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rows in %s.%s: %w", schema, table, err)
	}
	return count, nil
}

// execTemplate renders an embedded template and executes each statement.
func execTemplate(ctx context.Context, db adapter.Adapter, name string, params map[string]string) error {
	raw, err := templates.ReadFile(name)
	if err != nil {
		return fmt.Errorf("failed to read template %s: %w", name, err)
	}

	rendered, err := sqlrender.Render(name, string(raw), params)
	if err != nil {
		return err
	}

	for _, stmt := range sqlrender.Split(rendered) {
		if err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
