// Package estimation fits one effect-size model per comparison and outcome.
// The actual model is behind the Fitter interface; the built-in fitter
// computes a crude risk ratio from cohort counts. Tasks fan out over a
// bounded worker pool sized by the max_cores setting.
package estimation

import (
	"context"
	"embed"
	"encoding/csv"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ohdsi-contrib/legend/internal/adapter"
	"github.com/ohdsi-contrib/legend/internal/cohorts"
	"github.com/ohdsi-contrib/legend/internal/sqlrender"
)

//go:embed sql/*.sql
var templates embed.FS

// EstimatesFileName is the CSV written into the indication folder.
const EstimatesFileName = "estimates.csv"

// Task identifies one model to fit.
type Task struct {
	Comparison cohorts.Comparison
	OutcomeID  int
}

// Estimate is the result of fitting one task.
type Estimate struct {
	TargetID           int
	ComparatorID       int
	OutcomeID          int
	TargetSubjects     int64
	ComparatorSubjects int64
	TargetOutcomes     int64
	ComparatorOutcomes int64
	RR                 float64
	CI95Lb             float64
	CI95Ub             float64
	LogRR              float64
	SeLogRR            float64
}

// Fitter fits one effect-size model.
type Fitter interface {
	Fit(ctx context.Context, task Task) (Estimate, error)
}

// Params carries everything the model fitting stage needs.
type Params struct {
	Fitter       Fitter
	Log          *slog.Logger
	Comparisons  []cohorts.Comparison
	OutcomeIDs   []int
	MaxCores     int
	OutputFolder string
}

// FitOutcomeModels fits one model per comparison and outcome in parallel and
// writes the estimates CSV. Results are ordered by target, comparator and
// outcome regardless of completion order.
func FitOutcomeModels(ctx context.Context, p Params) ([]Estimate, error) {
	tasks := make([]Task, 0, len(p.Comparisons)*len(p.OutcomeIDs))
	for _, comparison := range p.Comparisons {
		for _, outcomeID := range p.OutcomeIDs {
			tasks = append(tasks, Task{Comparison: comparison, OutcomeID: outcomeID})
		}
	}

	maxCores := p.MaxCores
	if maxCores < 1 {
		maxCores = 1
	}

	var mu sync.Mutex
	estimates := make([]Estimate, 0, len(tasks))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxCores)
	for _, task := range tasks {
		g.Go(func() error {
			p.Log.Debug("fitting outcome model",
				"target_id", task.Comparison.TargetID,
				"comparator_id", task.Comparison.ComparatorID,
				"outcome_id", task.OutcomeID)
			estimate, err := p.Fitter.Fit(ctx, task)
			if err != nil {
				return fmt.Errorf("failed to fit model for comparison %d-%d outcome %d: %w",
					task.Comparison.TargetID, task.Comparison.ComparatorID, task.OutcomeID, err)
			}
			mu.Lock()
			estimates = append(estimates, estimate)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(estimates, func(i, j int) bool {
		if estimates[i].TargetID != estimates[j].TargetID {
			return estimates[i].TargetID < estimates[j].TargetID
		}
		if estimates[i].ComparatorID != estimates[j].ComparatorID {
			return estimates[i].ComparatorID < estimates[j].ComparatorID
		}
		return estimates[i].OutcomeID < estimates[j].OutcomeID
	})

	if err := writeEstimates(p.OutputFolder, estimates); err != nil {
		return nil, err
	}
	return estimates, nil
}

// writeEstimates writes estimates.csv into the output folder. Undefined
// ratios are left blank.
func writeEstimates(folder string, estimates []Estimate) error {
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder %s: %w", folder, err)
	}

	path := filepath.Join(folder, EstimatesFileName)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{
		"target_id", "comparator_id", "outcome_id",
		"target_subjects", "comparator_subjects",
		"target_outcomes", "comparator_outcomes",
		"rr", "ci_95_lb", "ci_95_ub", "log_rr", "se_log_rr",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	for _, e := range estimates {
		record := []string{
			strconv.Itoa(e.TargetID),
			strconv.Itoa(e.ComparatorID),
			strconv.Itoa(e.OutcomeID),
			strconv.FormatInt(e.TargetSubjects, 10),
			strconv.FormatInt(e.ComparatorSubjects, 10),
			strconv.FormatInt(e.TargetOutcomes, 10),
			strconv.FormatInt(e.ComparatorOutcomes, 10),
			formatFloat(e.RR),
			formatFloat(e.CI95Lb),
			formatFloat(e.CI95Ub),
			formatFloat(e.LogRR),
			formatFloat(e.SeLogRR),
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

func formatFloat(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', 6, 64)
}

// CrudeRatioFitter computes an unadjusted risk ratio from cohort counts.
type CrudeRatioFitter struct {
	DB            adapter.Adapter
	CohortSchema  string
	ExposureTable string
	OutcomeTable  string
}

// Fit counts subjects and outcomes in the target and comparator cohorts and
// derives the crude risk ratio with a 95% confidence interval.
func (f *CrudeRatioFitter) Fit(ctx context.Context, task Task) (Estimate, error) {
	targetSubjects, targetOutcomes, err := f.counts(ctx, task.Comparison.TargetID, task.OutcomeID)
	if err != nil {
		return Estimate{}, err
	}
	comparatorSubjects, comparatorOutcomes, err := f.counts(ctx, task.Comparison.ComparatorID, task.OutcomeID)
	if err != nil {
		return Estimate{}, err
	}

	estimate := Estimate{
		TargetID:           task.Comparison.TargetID,
		ComparatorID:       task.Comparison.ComparatorID,
		OutcomeID:          task.OutcomeID,
		TargetSubjects:     targetSubjects,
		ComparatorSubjects: comparatorSubjects,
		TargetOutcomes:     targetOutcomes,
		ComparatorOutcomes: comparatorOutcomes,
		RR:                 math.NaN(),
		CI95Lb:             math.NaN(),
		CI95Ub:             math.NaN(),
		LogRR:              math.NaN(),
		SeLogRR:            math.NaN(),
	}

	// The ratio is undefined without events on both sides.
	if targetSubjects == 0 || comparatorSubjects == 0 || targetOutcomes == 0 || comparatorOutcomes == 0 {
		return estimate, nil
	}

	targetRisk := float64(targetOutcomes) / float64(targetSubjects)
	comparatorRisk := float64(comparatorOutcomes) / float64(comparatorSubjects)
	estimate.RR = targetRisk / comparatorRisk
	estimate.LogRR = math.Log(estimate.RR)
	estimate.SeLogRR = math.Sqrt(
		1/float64(targetOutcomes) - 1/float64(targetSubjects) +
			1/float64(comparatorOutcomes) - 1/float64(comparatorSubjects))
	estimate.CI95Lb = math.Exp(estimate.LogRR - 1.96*estimate.SeLogRR)
	estimate.CI95Ub = math.Exp(estimate.LogRR + 1.96*estimate.SeLogRR)
	return estimate, nil
}

// counts runs the templated count query for one exposure cohort and outcome.
func (f *CrudeRatioFitter) counts(ctx context.Context, exposureID, outcomeID int) (subjects, outcomes int64, err error) {
	raw, err := templates.ReadFile("sql/GetOutcomeCounts.sql")
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read template: %w", err)
	}
	rendered, err := sqlrender.Render("sql/GetOutcomeCounts.sql", string(raw), map[string]string{
		"cohort_schema":  f.CohortSchema,
		"exposure_table": f.ExposureTable,
		"outcome_table":  f.OutcomeTable,
		"exposure_id":    strconv.Itoa(exposureID),
		"outcome_id":     strconv.Itoa(outcomeID),
	})
	if err != nil {
		return 0, 0, err
	}

	stmts := sqlrender.Split(rendered)
	if len(stmts) != 1 {
		return 0, 0, fmt.Errorf("expected a single count statement, got %d", len(stmts))
	}

	row := f.DB.QueryRow(ctx, stmts[0])
	if err := row.Scan(&subjects, &outcomes); err != nil {
		return 0, 0, fmt.Errorf("failed to count outcomes for cohort %d outcome %d: %w",
			exposureID, outcomeID, err)
	}
	return subjects, outcomes, nil
}
