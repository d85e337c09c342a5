// Package extract pulls cohort and covariate rows for each comparison out of
// the database and materializes them as CSV files under the indication's
// cmOutput folder, where the estimation and balance stages pick them up.
package extract

import (
	"context"
	"database/sql"
	"embed"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ohdsi-contrib/legend/internal/adapter"
	"github.com/ohdsi-contrib/legend/internal/cohorts"
	"github.com/ohdsi-contrib/legend/internal/sqlrender"
)

//go:embed sql/*.sql
var templates embed.FS

// CmOutputFolder is the sub-folder extraction writes into.
const CmOutputFolder = "cmOutput"

// Params carries everything the extraction stage needs.
type Params struct {
	DB            adapter.Adapter
	Log           *slog.Logger
	CDMSchema     string
	CohortSchema  string
	ExposureTable string
	OutcomeTable  string
	Comparisons   []cohorts.Comparison
	OutcomeIDs    []int
	OutputFolder  string
}

// CohortFileName names the per-comparison cohort CSV.
func CohortFileName(c cohorts.Comparison) string {
	return fmt.Sprintf("cohorts_t%d_c%d.csv", c.TargetID, c.ComparatorID)
}

// CovariateFileName names the per-comparison covariate CSV.
func CovariateFileName(c cohorts.Comparison) string {
	return fmt.Sprintf("covariates_t%d_c%d.csv", c.TargetID, c.ComparatorID)
}

// OutcomeFileName names the shared outcome cohort CSV.
const OutcomeFileName = "outcomes.csv"

// FetchAllDataFromServer exports, per comparison, the target and comparator
// cohort rows and their covariates, plus one shared file with all outcome
// cohort rows. Returns the total number of rows written.
func FetchAllDataFromServer(ctx context.Context, p Params) (int64, error) {
	if err := requireTable(ctx, p.DB, p.CohortSchema, p.ExposureTable); err != nil {
		return 0, err
	}
	if len(p.OutcomeIDs) > 0 {
		if err := requireTable(ctx, p.DB, p.CohortSchema, p.OutcomeTable); err != nil {
			return 0, err
		}
	}

	folder := filepath.Join(p.OutputFolder, CmOutputFolder)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create output folder %s: %w", folder, err)
	}

	var total int64
	for _, comparison := range p.Comparisons {
		ids := joinIDs([]int{comparison.TargetID, comparison.ComparatorID})
		p.Log.Debug("fetching cohort data",
			"target_id", comparison.TargetID,
			"comparator_id", comparison.ComparatorID)

		n, err := queryToCSV(ctx, p.DB, "sql/GetCohortData.sql", map[string]string{
			"cohort_schema": p.CohortSchema,
			"cohort_table":  p.ExposureTable,
			"cohort_ids":    ids,
		}, filepath.Join(folder, CohortFileName(comparison)))
		if err != nil {
			return 0, fmt.Errorf("failed to fetch cohorts for comparison %d-%d: %w",
				comparison.TargetID, comparison.ComparatorID, err)
		}
		total += n

		n, err = queryToCSV(ctx, p.DB, "sql/GetCovariateData.sql", map[string]string{
			"cdm_schema":    p.CDMSchema,
			"cohort_schema": p.CohortSchema,
			"cohort_table":  p.ExposureTable,
			"cohort_ids":    ids,
		}, filepath.Join(folder, CovariateFileName(comparison)))
		if err != nil {
			return 0, fmt.Errorf("failed to fetch covariates for comparison %d-%d: %w",
				comparison.TargetID, comparison.ComparatorID, err)
		}
		total += n
	}

	if len(p.OutcomeIDs) > 0 {
		n, err := queryToCSV(ctx, p.DB, "sql/GetCohortData.sql", map[string]string{
			"cohort_schema": p.CohortSchema,
			"cohort_table":  p.OutcomeTable,
			"cohort_ids":    joinIDs(p.OutcomeIDs),
		}, filepath.Join(folder, OutcomeFileName))
		if err != nil {
			return 0, fmt.Errorf("failed to fetch outcome cohorts: %w", err)
		}
		total += n
	}

	return total, nil
}

// joinIDs renders an id list for an IN clause.
// requireTable fails fast when a cohort table is missing so a misordered run
// reports a clear error instead of a dialect-specific query failure.
func requireTable(ctx context.Context, db adapter.Adapter, schema, table string) error {
	qualified := schema + "." + table
	ok, err := db.TableExists(ctx, qualified)
	if err != nil {
		return fmt.Errorf("failed to check for table %s: %w", qualified, err)
	}
	if !ok {
		return fmt.Errorf("cohort table %s does not exist, run the cohort stages first", qualified)
	}
	return nil
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ", ")
}

// queryToCSV renders a template, runs it and streams the result set into a
// CSV file with a header row. Returns the number of data rows written.
func queryToCSV(ctx context.Context, db adapter.Adapter, name string, params map[string]string, path string) (int64, error) {
	raw, err := templates.ReadFile(name)
	if err != nil {
		return 0, fmt.Errorf("failed to read template %s: %w", name, err)
	}
	rendered, err := sqlrender.Render(name, string(raw), params)
	if err != nil {
		return 0, err
	}

	rows, err := db.Query(ctx, strings.TrimRight(strings.TrimSpace(rendered), ";"))
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	return writeRows(rows, path)
}

// writeRows drains a result set into a CSV file.
func writeRows(rows *sql.Rows, path string) (int64, error) {
	columns, err := rows.Columns()
	if err != nil {
		return 0, fmt.Errorf("failed to read columns: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(columns); err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", path, err)
	}

	values := make([]sql.NullString, len(columns))
	scanArgs := make([]any, len(columns))
	for i := range values {
		scanArgs[i] = &values[i]
	}

	var count int64
	record := make([]string, len(columns))
	for rows.Next() {
		if err := rows.Scan(scanArgs...); err != nil {
			return 0, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range values {
			record[i] = v.String
		}
		if err := w.Write(record); err != nil {
			return 0, fmt.Errorf("failed to write %s: %w", path, err)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read rows: %w", err)
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return count, nil
}
