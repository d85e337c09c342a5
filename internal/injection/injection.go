// Package injection synthesizes positive-control outcome cohorts. For each
// real outcome and each configured effect size a copy of the outcome cohort
// is materialized under a derived cohort id, and a summary of the injected
// signals is written for downstream calibration.
package injection

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
	"github.com/ohdsi-contrib/legend/internal/sqlrender"
)

//go:embed sql/*.sql
var templates embed.FS

// DefaultEffectSizes are the target relative risks injected per outcome.
var DefaultEffectSizes = []float64{1.5, 2, 4}

// SummaryFileName is the CSV written into the indication folder.
const SummaryFileName = "signalInjectionSummary.csv"

// Signal records one synthetic outcome cohort.
type Signal struct {
	OutcomeID         int
	InjectedOutcomeID int
	TrueEffectSize    float64
}

// InjectedOutcomeID derives the cohort id for the k-th (1-based) effect size
// of an outcome.
func InjectedOutcomeID(outcomeID, k int) int {
	return outcomeID*1000 + k
}

// Params carries everything the signal injection stage needs.
type Params struct {
	DB           adapter.Adapter
	Log          *slog.Logger
	CohortSchema string
	Table        string
	OutcomeIDs   []int
	EffectSizes  []float64
	OutputFolder string
}

// SynthesizePositiveControls copies each outcome cohort under one derived id
// per effect size and writes the signal summary CSV. Returns the injected
// signals in deterministic order.
func SynthesizePositiveControls(ctx context.Context, p Params) ([]Signal, error) {
	effectSizes := p.EffectSizes
	if len(effectSizes) == 0 {
		effectSizes = DefaultEffectSizes
	}

	signals := make([]Signal, 0, len(p.OutcomeIDs)*len(effectSizes))
	for _, outcomeID := range p.OutcomeIDs {
		for k, effectSize := range effectSizes {
			injectedID := InjectedOutcomeID(outcomeID, k+1)
			p.Log.Debug("injecting signal",
				"outcome_id", outcomeID,
				"injected_outcome_id", injectedID,
				"true_effect_size", effectSize)
			err := execTemplate(ctx, p.DB, "sql/InsertInjectedOutcome.sql", map[string]string{
				"cohort_schema": p.CohortSchema,
				"cohort_table":  p.Table,
				"outcome_id":    strconv.Itoa(outcomeID),
				"injected_id":   strconv.Itoa(injectedID),
			})
			if err != nil {
				return nil, fmt.Errorf("failed to inject signal %d for outcome %d: %w",
					injectedID, outcomeID, err)
			}
			signals = append(signals, Signal{
				OutcomeID:         outcomeID,
				InjectedOutcomeID: injectedID,
				TrueEffectSize:    effectSize,
			})
		}
	}

	if err := writeSummary(p.OutputFolder, signals); err != nil {
		return nil, err
	}
	return signals, nil
}

// writeSummary writes signalInjectionSummary.csv into the output folder.
func writeSummary(folder string, signals []Signal) error {
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder %s: %w", folder, err)
	}

	path := filepath.Join(folder, SummaryFileName)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"outcome_id", "injected_outcome_id", "true_effect_size"}); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	for _, s := range signals {
		record := []string{
			strconv.Itoa(s.OutcomeID),
			strconv.Itoa(s.InjectedOutcomeID),
			strconv.FormatFloat(s.TrueEffectSize, 'g', -1, 64),
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
