// Package config provides the study configuration for the LEGEND runner.
// It is decoupled from CLI concerns so stages and tests can construct a
// Study directly.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Default configuration values.
const (
	DefaultOutputFolder = "output"
	DefaultMinCellCount = 5
	DefaultStateFile    = ".legend/state.db"

	DefaultExposureCohortTable = "exposure_cohorts"
	DefaultOutcomeCohortTable  = "outcome_cohorts"
)

// TargetConfig holds database target configuration.
type TargetConfig struct {
	Type string `koanf:"type"` // postgres, duckdb

	// File-based databases (DuckDB)
	Database string `koanf:"database"` // file path or database name

	// Network databases
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`

	// Additional driver-specific options
	Options map[string]string `koanf:"options"`
}

// StageFlags enables or disables individual pipeline stages.
// Each stage is gated independently; a disabled stage performs no reads
// or writes.
type StageFlags struct {
	CreateExposureCohorts      bool `koanf:"create_exposure_cohorts"`
	CreateOutcomeCohorts       bool `koanf:"create_outcome_cohorts"`
	SynthesizePositiveControls bool `koanf:"synthesize_positive_controls"`
	FetchAllDataFromServer     bool `koanf:"fetch_all_data_from_server"`
	FitOutcomeModels           bool `koanf:"fit_outcome_models"`
	ComputeIncidence           bool `koanf:"compute_incidence"`
	ComputeCovariateBalance    bool `koanf:"compute_covariate_balance"`
	ExportResults              bool `koanf:"export_results"`
}

// AllStages returns flags with every stage enabled.
func AllStages() StageFlags {
	return StageFlags{
		CreateExposureCohorts:      true,
		CreateOutcomeCohorts:       true,
		SynthesizePositiveControls: true,
		FetchAllDataFromServer:     true,
		FitOutcomeModels:           true,
		ComputeIncidence:           true,
		ComputeCovariateBalance:    true,
		ExportResults:              true,
	}
}

// Study holds the full configuration for one study run.
type Study struct {
	// Indication is the clinical condition context scoping the run.
	// All outputs land under <output_folder>/<indication>/.
	Indication string `koanf:"indication"`

	// CDMSchema is the schema holding the read-only clinical data.
	CDMSchema string `koanf:"cdm_schema"`

	// CohortSchema is the writable scratch schema for cohort tables.
	CohortSchema string `koanf:"cohort_schema"`

	ExposureCohortTable string `koanf:"exposure_cohort_table"`
	OutcomeCohortTable  string `koanf:"outcome_cohort_table"`

	OutputFolder string `koanf:"output_folder"`
	StatePath    string `koanf:"state_path"`

	// ComparisonsFile is a CSV of target_id,comparator_id pairs.
	ComparisonsFile string `koanf:"comparisons_file"`

	// OutcomeIDs lists the outcome cohort definition ids of interest.
	OutcomeIDs []int `koanf:"outcome_ids"`

	// MaxCores bounds parallelism in the model fitting stage.
	MaxCores int `koanf:"max_cores"`

	// MinCellCount suppresses exported cells below this count.
	// Zero disables suppression entirely.
	MinCellCount int `koanf:"min_cell_count"`

	// LogFormat selects the slog handler: "text" or "json".
	LogFormat string `koanf:"log_format"`

	Verbose bool `koanf:"verbose"`

	Stages StageFlags    `koanf:"stages"`
	Target *TargetConfig `koanf:"target"`
}

// ApplyDefaults fills in zero-valued fields with defaults.
func (s *Study) ApplyDefaults() {
	if s.OutputFolder == "" {
		s.OutputFolder = DefaultOutputFolder
	}
	if s.StatePath == "" {
		s.StatePath = DefaultStateFile
	}
	if s.ExposureCohortTable == "" {
		s.ExposureCohortTable = DefaultExposureCohortTable
	}
	if s.OutcomeCohortTable == "" {
		s.OutcomeCohortTable = DefaultOutcomeCohortTable
	}
	if s.MaxCores <= 0 {
		s.MaxCores = runtime.NumCPU()
	}
	if s.LogFormat == "" {
		s.LogFormat = "text"
	}
}

// IndicationFolder returns the per-indication output directory.
func (s *Study) IndicationFolder() string {
	return filepath.Join(s.OutputFolder, s.Indication)
}

// Validate checks that the configuration is complete enough to run.
func (s *Study) Validate() error {
	if s.Indication == "" {
		return fmt.Errorf("indication is required")
	}
	if s.Target == nil || s.Target.Type == "" {
		return fmt.Errorf("target database configuration is required")
	}
	if s.CDMSchema == "" {
		return fmt.Errorf("cdm_schema is required")
	}
	if s.CohortSchema == "" {
		return fmt.Errorf("cohort_schema is required")
	}
	if s.MinCellCount < 0 {
		return fmt.Errorf("min_cell_count must not be negative, got %d", s.MinCellCount)
	}
	if s.MaxCores < 1 {
		return fmt.Errorf("max_cores must be at least 1, got %d", s.MaxCores)
	}
	if s.LogFormat != "text" && s.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json, got %q", s.LogFormat)
	}
	if s.Stages.CreateExposureCohorts || s.Stages.FetchAllDataFromServer || s.Stages.FitOutcomeModels {
		if s.ComparisonsFile == "" {
			return fmt.Errorf("comparisons_file is required when cohort or estimation stages are enabled")
		}
		if _, err := os.Stat(s.ComparisonsFile); os.IsNotExist(err) {
			return fmt.Errorf("comparisons file does not exist: %s", s.ComparisonsFile)
		}
	}
	return nil
}
