// Package balance computes covariate balance diagnostics between target and
// comparator cohorts. For each covariate the standardized mean difference is
// derived from the per-cohort mean and standard deviation of the covariate
// values extracted by the fetch stage.
package balance

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/ohdsi-contrib/legend/internal/cohorts"
	"github.com/ohdsi-contrib/legend/internal/extract"
)

// BalanceFileName is the CSV written into the indication folder.
const BalanceFileName = "balance.csv"

// Row is the balance result for one covariate in one comparison.
type Row struct {
	TargetID       int
	ComparatorID   int
	CovariateID    int
	TargetMean     float64
	TargetSD       float64
	ComparatorMean float64
	ComparatorSD   float64
	SMD            float64
}

// Params carries everything the balance stage needs.
type Params struct {
	Log          *slog.Logger
	Comparisons  []cohorts.Comparison
	OutputFolder string
}

// ComputeCovariateBalance reads the per-comparison covariate files under
// cmOutput and writes balance.csv with one row per comparison and covariate.
func ComputeCovariateBalance(ctx context.Context, p Params) ([]Row, error) {
	var rows []Row
	for _, comparison := range p.Comparisons {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(p.OutputFolder, extract.CmOutputFolder, extract.CovariateFileName(comparison))
		p.Log.Debug("computing covariate balance",
			"target_id", comparison.TargetID,
			"comparator_id", comparison.ComparatorID,
			"path", path)

		comparisonRows, err := balanceFromFile(path, comparison)
		if err != nil {
			return nil, fmt.Errorf("failed to compute balance for comparison %d-%d: %w",
				comparison.TargetID, comparison.ComparatorID, err)
		}
		rows = append(rows, comparisonRows...)
	}

	if err := writeBalance(p.OutputFolder, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// accumulator collects covariate values for one cohort.
type accumulator struct {
	n     int64
	sum   float64
	sumSq float64
}

func (a *accumulator) add(v float64) {
	a.n++
	a.sum += v
	a.sumSq += v * v
}

func (a *accumulator) mean() float64 {
	if a.n == 0 {
		return 0
	}
	return a.sum / float64(a.n)
}

// sd is the population standard deviation.
func (a *accumulator) sd() float64 {
	if a.n == 0 {
		return 0
	}
	m := a.mean()
	variance := a.sumSq/float64(a.n) - m*m
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// balanceFromFile aggregates one covariate file into balance rows.
func balanceFromFile(path string, comparison cohorts.Comparison) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	cohortCol, covariateCol, valueCol := -1, -1, -1
	for i, name := range header {
		switch name {
		case "cohort_definition_id":
			cohortCol = i
		case "covariate_id":
			covariateCol = i
		case "covariate_value":
			valueCol = i
		}
	}
	if cohortCol < 0 || covariateCol < 0 || valueCol < 0 {
		return nil, fmt.Errorf("missing covariate columns in %s", path)
	}

	target := map[int]*accumulator{}
	comparator := map[int]*accumulator{}
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}

		cohortID, err := strconv.Atoi(record[cohortCol])
		if err != nil {
			return nil, fmt.Errorf("invalid cohort id %q in %s: %w", record[cohortCol], path, err)
		}
		covariateID, err := strconv.Atoi(record[covariateCol])
		if err != nil {
			return nil, fmt.Errorf("invalid covariate id %q in %s: %w", record[covariateCol], path, err)
		}
		value, err := strconv.ParseFloat(record[valueCol], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid covariate value %q in %s: %w", record[valueCol], path, err)
		}

		var side map[int]*accumulator
		switch cohortID {
		case comparison.TargetID:
			side = target
		case comparison.ComparatorID:
			side = comparator
		default:
			continue
		}
		acc := side[covariateID]
		if acc == nil {
			acc = &accumulator{}
			side[covariateID] = acc
		}
		acc.add(value)
	}

	covariateIDs := map[int]struct{}{}
	for id := range target {
		covariateIDs[id] = struct{}{}
	}
	for id := range comparator {
		covariateIDs[id] = struct{}{}
	}
	ids := make([]int, 0, len(covariateIDs))
	for id := range covariateIDs {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	rows := make([]Row, 0, len(ids))
	for _, id := range ids {
		t, c := target[id], comparator[id]
		if t == nil {
			t = &accumulator{}
		}
		if c == nil {
			c = &accumulator{}
		}
		rows = append(rows, Row{
			TargetID:       comparison.TargetID,
			ComparatorID:   comparison.ComparatorID,
			CovariateID:    id,
			TargetMean:     t.mean(),
			TargetSD:       t.sd(),
			ComparatorMean: c.mean(),
			ComparatorSD:   c.sd(),
			SMD:            StandardizedMeanDifference(t.mean(), t.sd(), c.mean(), c.sd()),
		})
	}
	return rows, nil
}

// StandardizedMeanDifference is the difference of means scaled by the pooled
// standard deviation. Identical distributions yield zero; a zero pooled sd
// with differing means yields NaN.
func StandardizedMeanDifference(mean1, sd1, mean2, sd2 float64) float64 {
	pooled := math.Sqrt((sd1*sd1 + sd2*sd2) / 2)
	if pooled == 0 {
		if mean1 == mean2 {
			return 0
		}
		return math.NaN()
	}
	return (mean1 - mean2) / pooled
}

// writeBalance writes balance.csv into the output folder.
func writeBalance(folder string, rows []Row) error {
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder %s: %w", folder, err)
	}

	path := filepath.Join(folder, BalanceFileName)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{
		"target_id", "comparator_id", "covariate_id",
		"target_mean", "target_sd", "comparator_mean", "comparator_sd", "smd",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	for _, row := range rows {
		record := []string{
			strconv.Itoa(row.TargetID),
			strconv.Itoa(row.ComparatorID),
			strconv.Itoa(row.CovariateID),
			formatFloat(row.TargetMean),
			formatFloat(row.TargetSD),
			formatFloat(row.ComparatorMean),
			formatFloat(row.ComparatorSD),
			formatFloat(row.SMD),
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
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', 6, 64)
}
