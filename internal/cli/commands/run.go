package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ohdsi-contrib/legend/internal/adapter"
	"github.com/ohdsi-contrib/legend/internal/balance"
	"github.com/ohdsi-contrib/legend/internal/cohorts"
	"github.com/ohdsi-contrib/legend/internal/config"
	"github.com/ohdsi-contrib/legend/internal/estimation"
	"github.com/ohdsi-contrib/legend/internal/export"
	"github.com/ohdsi-contrib/legend/internal/extract"
	"github.com/ohdsi-contrib/legend/internal/incidence"
	"github.com/ohdsi-contrib/legend/internal/injection"
	"github.com/ohdsi-contrib/legend/internal/runner"
	"github.com/ohdsi-contrib/legend/internal/state"
)

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the study pipeline",
		Long: `Execute the enabled pipeline stages in order against the configured
database. Stage results land under <output_folder>/<indication>/; the run
ledger records per-stage status, row counts and durations.`,
		Example: `  # Run every enabled stage
  legend run

  # Re-run only the export stage
  legend run --skip-create-exposure-cohorts --skip-create-outcome-cohorts \
    --skip-synthesize-positive-controls --skip-fetch-all-data \
    --skip-fit-outcome-models --skip-compute-incidence \
    --skip-compute-covariate-balance`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRun(cmd)
		},
	}
}

func runRun(cmd *cobra.Command) error {
	ctx := cmd.Context()
	study := config.StudyFrom(ctx)
	if study == nil {
		return fmt.Errorf("no configuration loaded")
	}
	if err := study.Validate(); err != nil {
		return err
	}

	folder := study.IndicationFolder()
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return fmt.Errorf("failed to create indication folder %s: %w", folder, err)
	}

	logger, closeLog, err := indicationLogger(cmd.ErrOrStderr(), folder, study.LogFormat, study.Verbose)
	if err != nil {
		return err
	}
	defer closeLog()

	store, err := openStore(study.StatePath, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	db, err := connectTarget(ctx, study, logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	var comparisons []cohorts.Comparison
	if study.ComparisonsFile != "" {
		comparisons, err = cohorts.LoadComparisons(study.ComparisonsFile)
		if err != nil {
			return err
		}
	}

	stages := buildStages(study, db, logger, comparisons, folder, cmd.OutOrStdout())
	run, err := runner.New(store, logger).Run(ctx, study.Indication, stages)
	if run != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %s\n", run.ID, run.Status)
	}
	return err
}

// indicationLogger mirrors log records to stderr and to log.txt inside the
// indication folder.
func indicationLogger(stderr io.Writer, folder, format string, verbose bool) (*slog.Logger, func(), error) {
	path := filepath.Join(folder, "log.txt")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	out := io.MultiWriter(stderr, f)
	logger := slog.New(slog.NewTextHandler(out, opts))
	if format == "json" {
		logger = slog.New(slog.NewJSONHandler(out, opts))
	}
	return logger, func() { _ = f.Close() }, nil
}

// openStore opens and migrates the run ledger.
func openStore(path string, logger *slog.Logger) (state.Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	store := state.NewSQLiteStore(logger)
	if err := store.Open(path); err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// connectTarget builds and connects the database adapter for the target.
func connectTarget(ctx context.Context, study *config.Study, logger *slog.Logger) (adapter.Adapter, error) {
	cfg := adapter.Config{
		Type:     study.Target.Type,
		Database: study.Target.Database,
		Host:     study.Target.Host,
		Port:     study.Target.Port,
		Username: study.Target.User,
		Password: study.Target.Password,
		Options:  study.Target.Options,
	}
	db, err := adapter.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := db.Connect(ctx, cfg); err != nil {
		return nil, err
	}
	return db, nil
}

// buildStages wires the pipeline in its fixed order.
func buildStages(study *config.Study, db adapter.Adapter, logger *slog.Logger, comparisons []cohorts.Comparison, folder string, out io.Writer) []runner.Stage {
	return []runner.Stage{
		{
			Name:    "createExposureCohorts",
			Enabled: study.Stages.CreateExposureCohorts,
			Run: func(ctx context.Context) (int64, error) {
				return cohorts.CreateExposureCohorts(ctx, cohorts.Params{
					DB:              db,
					Log:             logger,
					CDMSchema:       study.CDMSchema,
					CohortSchema:    study.CohortSchema,
					Table:           study.ExposureCohortTable,
					Comparisons:     comparisons,
					ComparisonsFile: study.ComparisonsFile,
				})
			},
		},
		{
			Name:    "createOutcomeCohorts",
			Enabled: study.Stages.CreateOutcomeCohorts,
			Run: func(ctx context.Context) (int64, error) {
				return cohorts.CreateOutcomeCohorts(ctx, cohorts.Params{
					DB:           db,
					Log:          logger,
					CDMSchema:    study.CDMSchema,
					CohortSchema: study.CohortSchema,
					Table:        study.OutcomeCohortTable,
					OutcomeIDs:   study.OutcomeIDs,
				})
			},
		},
		{
			Name:    "synthesizePositiveControls",
			Enabled: study.Stages.SynthesizePositiveControls,
			Run: func(ctx context.Context) (int64, error) {
				signals, err := injection.SynthesizePositiveControls(ctx, injection.Params{
					DB:           db,
					Log:          logger,
					CohortSchema: study.CohortSchema,
					Table:        study.OutcomeCohortTable,
					OutcomeIDs:   study.OutcomeIDs,
					OutputFolder: folder,
				})
				return int64(len(signals)), err
			},
		},
		{
			Name:    "fetchAllDataFromServer",
			Enabled: study.Stages.FetchAllDataFromServer,
			Run: func(ctx context.Context) (int64, error) {
				return extract.FetchAllDataFromServer(ctx, extract.Params{
					DB:            db,
					Log:           logger,
					CDMSchema:     study.CDMSchema,
					CohortSchema:  study.CohortSchema,
					ExposureTable: study.ExposureCohortTable,
					OutcomeTable:  study.OutcomeCohortTable,
					Comparisons:   comparisons,
					OutcomeIDs:    study.OutcomeIDs,
					OutputFolder:  folder,
				})
			},
		},
		{
			Name:    "fitOutcomeModels",
			Enabled: study.Stages.FitOutcomeModels,
			Run: func(ctx context.Context) (int64, error) {
				estimates, err := estimation.FitOutcomeModels(ctx, estimation.Params{
					Fitter: &estimation.CrudeRatioFitter{
						DB:            db,
						CohortSchema:  study.CohortSchema,
						ExposureTable: study.ExposureCohortTable,
						OutcomeTable:  study.OutcomeCohortTable,
					},
					Log:          logger,
					Comparisons:  comparisons,
					OutcomeIDs:   study.OutcomeIDs,
					MaxCores:     study.MaxCores,
					OutputFolder: folder,
				})
				return int64(len(estimates)), err
			},
		},
		{
			Name:    "computeIncidence",
			Enabled: study.Stages.ComputeIncidence,
			Run: func(ctx context.Context) (int64, error) {
				rates, err := incidence.ComputeIncidence(ctx, incidence.Params{
					DB:            db,
					Log:           logger,
					CohortSchema:  study.CohortSchema,
					ExposureTable: study.ExposureCohortTable,
					OutcomeTable:  study.OutcomeCohortTable,
					Comparisons:   comparisons,
					OutcomeIDs:    study.OutcomeIDs,
					OutputFolder:  folder,
				})
				return int64(len(rates)), err
			},
		},
		{
			Name:    "computeCovariateBalance",
			Enabled: study.Stages.ComputeCovariateBalance,
			Run: func(ctx context.Context) (int64, error) {
				rows, err := balance.ComputeCovariateBalance(ctx, balance.Params{
					Log:          logger,
					Comparisons:  comparisons,
					OutputFolder: folder,
				})
				return int64(len(rows)), err
			},
		},
		{
			Name:    "exportResults",
			Enabled: study.Stages.ExportResults,
			Run: func(ctx context.Context) (int64, error) {
				summaries, err := export.ExportResults(ctx, export.Params{
					Log:          logger,
					OutputFolder: folder,
					MinCellCount: study.MinCellCount,
					Out:          out,
				})
				var rows int64
				for _, s := range summaries {
					rows += int64(s.Rows)
				}
				return rows, err
			},
		},
	}
}
