package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validStudy(t *testing.T) *Study {
	t.Helper()

	comparisons := filepath.Join(t.TempDir(), "comparisons.csv")
	require.NoError(t, os.WriteFile(comparisons, []byte("target_id,comparator_id\n1,2\n"), 0644))

	s := &Study{
		Indication:      "Hypertension",
		CDMSchema:       "cdm",
		CohortSchema:    "scratch",
		ComparisonsFile: comparisons,
		OutcomeIDs:      []int{101, 102},
		Stages:          AllStages(),
		Target:          &TargetConfig{Type: "duckdb", Database: ":memory:"},
	}
	s.ApplyDefaults()
	return s
}

func TestStudy_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Study)
		errSubstr string
	}{
		{
			name:   "valid",
			mutate: func(s *Study) {},
		},
		{
			name:      "missing indication",
			mutate:    func(s *Study) { s.Indication = "" },
			errSubstr: "indication is required",
		},
		{
			name:      "missing target",
			mutate:    func(s *Study) { s.Target = nil },
			errSubstr: "target database",
		},
		{
			name:      "missing cdm schema",
			mutate:    func(s *Study) { s.CDMSchema = "" },
			errSubstr: "cdm_schema",
		},
		{
			name:      "negative min cell count",
			mutate:    func(s *Study) { s.MinCellCount = -1 },
			errSubstr: "min_cell_count",
		},
		{
			name:   "zero min cell count",
			mutate: func(s *Study) { s.MinCellCount = 0 },
		},
		{
			name:      "unknown log format",
			mutate:    func(s *Study) { s.LogFormat = "xml" },
			errSubstr: "log_format",
		},
		{
			name:      "missing comparisons file",
			mutate:    func(s *Study) { s.ComparisonsFile = "" },
			errSubstr: "comparisons_file is required",
		},
		{
			name:      "nonexistent comparisons file",
			mutate:    func(s *Study) { s.ComparisonsFile = "/nonexistent/comparisons.csv" },
			errSubstr: "does not exist",
		},
		{
			name: "comparisons not needed when stages disabled",
			mutate: func(s *Study) {
				s.ComparisonsFile = ""
				s.Stages.CreateExposureCohorts = false
				s.Stages.FetchAllDataFromServer = false
				s.Stages.FitOutcomeModels = false
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validStudy(t)
			tt.mutate(s)
			err := s.Validate()
			if tt.errSubstr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errSubstr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStudy_ApplyDefaults(t *testing.T) {
	s := &Study{}
	s.ApplyDefaults()

	assert.Equal(t, DefaultOutputFolder, s.OutputFolder)
	assert.Equal(t, DefaultStateFile, s.StatePath)
	assert.Equal(t, DefaultExposureCohortTable, s.ExposureCohortTable)
	assert.Equal(t, DefaultOutcomeCohortTable, s.OutcomeCohortTable)
	// MinCellCount is left alone: its default comes from the loader, so an
	// explicit zero survives to disable suppression.
	assert.Equal(t, 0, s.MinCellCount)
	assert.Equal(t, "text", s.LogFormat)
	assert.GreaterOrEqual(t, s.MaxCores, 1)
}

func TestStudy_IndicationFolder(t *testing.T) {
	s := &Study{OutputFolder: "out", Indication: "Depression"}
	assert.Equal(t, filepath.Join("out", "Depression"), s.IndicationFolder())
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "legend.yaml")
	yaml := `
indication: Hypertension
cdm_schema: cdm
cohort_schema: scratch
min_cell_count: 10
target:
  type: duckdb
  database: study.duckdb
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0644))

	t.Run("config file over defaults", func(t *testing.T) {
		cfg, err := Load(cfgPath, nil)
		require.NoError(t, err)
		assert.Equal(t, "Hypertension", cfg.Indication)
		assert.Equal(t, 10, cfg.MinCellCount)
		assert.Equal(t, "duckdb", cfg.Target.Type)
	})

	t.Run("stages default to enabled", func(t *testing.T) {
		cfg, err := Load(cfgPath, nil)
		require.NoError(t, err)
		assert.Equal(t, AllStages(), cfg.Stages)
	})

	t.Run("config file disables stages", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "legend.yaml")
		disabled := yaml + "stages:\n  fit_outcome_models: false\n"
		require.NoError(t, os.WriteFile(path, []byte(disabled), 0644))

		cfg, err := Load(path, nil)
		require.NoError(t, err)
		assert.False(t, cfg.Stages.FitOutcomeModels)
		assert.True(t, cfg.Stages.CreateExposureCohorts)
	})

	t.Run("explicit zero disables suppression", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "legend.yaml")
		unsuppressed := strings.Replace(yaml, "min_cell_count: 10", "min_cell_count: 0", 1)
		require.NoError(t, os.WriteFile(path, []byte(unsuppressed), 0644))

		cfg, err := Load(path, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, cfg.MinCellCount)
	})

	t.Run("env over config file", func(t *testing.T) {
		t.Setenv("LEGEND_MIN_CELL_COUNT", "20")
		cfg, err := Load(cfgPath, nil)
		require.NoError(t, err)
		assert.Equal(t, 20, cfg.MinCellCount)
	})

	t.Run("flags over env", func(t *testing.T) {
		t.Setenv("LEGEND_MIN_CELL_COUNT", "20")
		flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
		flags.Int("min-cell-count", 0, "")
		require.NoError(t, flags.Parse([]string{"--min-cell-count", "30"}))

		cfg, err := Load(cfgPath, flags)
		require.NoError(t, err)
		assert.Equal(t, 30, cfg.MinCellCount)
	})

	t.Run("unset flags do not override", func(t *testing.T) {
		flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
		flags.Int("min-cell-count", 0, "")
		require.NoError(t, flags.Parse(nil))

		cfg, err := Load(cfgPath, flags)
		require.NoError(t, err)
		assert.Equal(t, 10, cfg.MinCellCount)
	})
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestLoad_ResolvesPathsRelativeToConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "legend.yaml")
	yaml := `
indication: Depression
cdm_schema: cdm
cohort_schema: scratch
output_folder: results
comparisons_file: comparisons.csv
target:
  type: duckdb
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0644))

	cfg, err := Load(cfgPath, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "results"), cfg.OutputFolder)
	assert.Equal(t, filepath.Join(dir, "comparisons.csv"), cfg.ComparisonsFile)
}

func TestLoad_ExpandsTargetEnvVars(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "legend.yaml")
	yaml := `
indication: Depression
cdm_schema: cdm
cohort_schema: scratch
target:
  type: postgres
  host: db.example.org
  password: ${LEGEND_TEST_PASSWORD}
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0644))
	t.Setenv("LEGEND_TEST_PASSWORD", "s3cret")

	cfg, err := Load(cfgPath, nil)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Target.Password)
}
