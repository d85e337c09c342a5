package balance

import (
	"context"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ohdsi-contrib/legend/internal/cohorts"
	"github.com/ohdsi-contrib/legend/internal/extract"
)

func TestStandardizedMeanDifference(t *testing.T) {
	tests := []struct {
		name                     string
		mean1, sd1, mean2, sd2   float64
		want                     float64
	}{
		{name: "identical", mean1: 5, sd1: 2, mean2: 5, sd2: 2, want: 0},
		{name: "unit difference unit sd", mean1: 1, sd1: 1, mean2: 0, sd2: 1, want: 1},
		{name: "pooled sd", mean1: 3, sd1: 4, mean2: 1, sd2: 2, want: 2 / math.Sqrt(10)},
		{name: "zero sd equal means", mean1: 2, sd1: 0, mean2: 2, sd2: 0, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, StandardizedMeanDifference(tt.mean1, tt.sd1, tt.mean2, tt.sd2), 1e-9)
		})
	}

	t.Run("zero sd differing means", func(t *testing.T) {
		assert.True(t, math.IsNaN(StandardizedMeanDifference(1, 0, 2, 0)))
	})
}

func writeCovariates(t *testing.T, folder string, comparison cohorts.Comparison, content string) {
	t.Helper()
	dir := filepath.Join(folder, extract.CmOutputFolder)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, extract.CovariateFileName(comparison))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestComputeCovariateBalance(t *testing.T) {
	folder := t.TempDir()
	comparison := cohorts.Comparison{TargetID: 1, ComparatorID: 2}

	// Covariate 1: target values 10,20 (mean 15, sd 5); comparator 10,10
	// (mean 10, sd 0). Covariate 2 only present in target.
	writeCovariates(t, folder, comparison,
		"cohort_definition_id,subject_id,covariate_id,covariate_value\n"+
			"1,11,1,10\n"+
			"1,12,1,20\n"+
			"2,21,1,10\n"+
			"2,22,1,10\n"+
			"1,11,2,1\n")

	rows, err := ComputeCovariateBalance(context.Background(), Params{
		Log:          slog.New(slog.DiscardHandler),
		Comparisons:  []cohorts.Comparison{comparison},
		OutputFolder: folder,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, 1, rows[0].CovariateID)
	assert.InDelta(t, 15, rows[0].TargetMean, 1e-9)
	assert.InDelta(t, 5, rows[0].TargetSD, 1e-9)
	assert.InDelta(t, 10, rows[0].ComparatorMean, 1e-9)
	assert.InDelta(t, 0, rows[0].ComparatorSD, 1e-9)
	// SMD = (15-10)/sqrt((25+0)/2)
	assert.InDelta(t, 5/math.Sqrt(12.5), rows[0].SMD, 1e-9)

	assert.Equal(t, 2, rows[1].CovariateID)
	assert.InDelta(t, 1, rows[1].TargetMean, 1e-9)
	assert.Equal(t, int64(0), int64(rows[1].ComparatorMean))

	data, err := os.ReadFile(filepath.Join(folder, BalanceFileName))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "target_id,comparator_id,covariate_id,target_mean,target_sd,comparator_mean,comparator_sd,smd", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "1,2,1,15,5,10,0,"))
}

func TestComputeCovariateBalanceMissingFile(t *testing.T) {
	_, err := ComputeCovariateBalance(context.Background(), Params{
		Log:          slog.New(slog.DiscardHandler),
		Comparisons:  []cohorts.Comparison{{TargetID: 1, ComparatorID: 2}},
		OutputFolder: t.TempDir(),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
