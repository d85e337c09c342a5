package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ohdsi-contrib/legend/internal/config"
	"github.com/ohdsi-contrib/legend/internal/incidence"
)

func TestNewVersionCommand(t *testing.T) {
	cmd := NewVersionCommand("1.2.3", "abc1234")
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "legend v1.2.3")
	assert.Contains(t, buf.String(), "abc1234")
}

func TestNewRunCommandMetadata(t *testing.T) {
	cmd := NewRunCommand()
	assert.Equal(t, "run", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
	assert.NotEmpty(t, cmd.Example)
}

func testStudy(t *testing.T) *config.Study {
	t.Helper()
	comparisons := filepath.Join(t.TempDir(), "comparisons.csv")
	require.NoError(t, os.WriteFile(comparisons, []byte("target_id,comparator_id\n1,2\n"), 0644))
	return &config.Study{
		Indication:      "depression",
		CDMSchema:       "cdm",
		CohortSchema:    "scratch",
		OutputFolder:    t.TempDir(),
		ComparisonsFile: comparisons,
		OutcomeIDs:      []int{101},
		MaxCores:        1,
		MinCellCount:    5,
		LogFormat:       "text",
		Stages:          config.AllStages(),
		Target:          &config.TargetConfig{Type: "duckdb"},
	}
}

func executeWithStudy(t *testing.T, cmd *cobra.Command, study *config.Study) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetContext(config.WithStudy(context.Background(), study))
	err := cmd.Execute()
	return buf.String(), err
}

func TestStagesCommand(t *testing.T) {
	study := testStudy(t)
	study.Stages.FitOutcomeModels = false

	out, err := executeWithStudy(t, NewStagesCommand(), study)
	require.NoError(t, err)

	assert.Contains(t, out, "createExposureCohorts")
	assert.Contains(t, out, "fitOutcomeModels")
	assert.Contains(t, out, "exportResults")

	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "fitOutcomeModels") {
			assert.Contains(t, line, "false")
		}
		if strings.Contains(line, "createExposureCohorts") {
			assert.Contains(t, line, "true")
		}
	}
}

func TestStagesCommandWithoutConfig(t *testing.T) {
	cmd := NewStagesCommand()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetContext(context.Background())
	require.Error(t, cmd.Execute())
}

func TestValidateCommand(t *testing.T) {
	out, err := executeWithStudy(t, NewValidateCommand(), testStudy(t))
	require.NoError(t, err)
	assert.Contains(t, out, "1 comparisons, 1 outcomes")
	assert.Contains(t, out, "valid")
}

func TestValidateCommandInvalidConfig(t *testing.T) {
	study := testStudy(t)
	study.Indication = ""

	_, err := executeWithStudy(t, NewValidateCommand(), study)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "indication")
}

func TestExportCommand(t *testing.T) {
	study := testStudy(t)
	folder := study.IndicationFolder()
	require.NoError(t, os.MkdirAll(folder, 0o755))

	incidenceCSV := "exposure_id,outcome_id,subjects,outcomes,days_at_risk,rate_per_1000_pyears\n" +
		"1,101,100,10,36525,100.00\n" +
		"2,101,50,3,18262,60.00\n"
	require.NoError(t, os.WriteFile(filepath.Join(folder, incidence.IncidenceFileName), []byte(incidenceCSV), 0644))

	out, err := executeWithStudy(t, NewExportCommand(), study)
	require.NoError(t, err)
	assert.Contains(t, out, incidence.IncidenceFileName)

	data, err := os.ReadFile(filepath.Join(folder, "export", incidence.IncidenceFileName))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "2,101,50,3")
}

func TestStageListOrder(t *testing.T) {
	stages := stageList(config.AllStages())
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name
	}
	assert.Equal(t, []string{
		"createExposureCohorts",
		"createOutcomeCohorts",
		"synthesizePositiveControls",
		"fetchAllDataFromServer",
		"fitOutcomeModels",
		"computeIncidence",
		"computeCovariateBalance",
		"exportResults",
	}, names)
}
