package estimation

import (
	"context"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ohdsi-contrib/legend/internal/adapter"
	"github.com/ohdsi-contrib/legend/internal/cohorts"
)

type mockAdapter struct {
	adapter.BaseSQLAdapter
}

func (m *mockAdapter) Connect(ctx context.Context, cfg adapter.Config) error { return nil }
func (m *mockAdapter) LoadCSV(ctx context.Context, table, path string) error { return nil }
func (m *mockAdapter) TableExists(ctx context.Context, table string) (bool, error) {
	return false, nil
}
func (m *mockAdapter) DialectName() string { return "mock" }

func newMockAdapter(t *testing.T) (*mockAdapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &mockAdapter{
		BaseSQLAdapter: adapter.BaseSQLAdapter{DB: db, Logger: slog.New(slog.DiscardHandler)},
	}, mock
}

// fakeFitter derives a deterministic estimate from the task ids.
type fakeFitter struct{}

func (fakeFitter) Fit(ctx context.Context, task Task) (Estimate, error) {
	return Estimate{
		TargetID:       task.Comparison.TargetID,
		ComparatorID:   task.Comparison.ComparatorID,
		OutcomeID:      task.OutcomeID,
		TargetSubjects: int64(task.OutcomeID),
		RR:             2,
		CI95Lb:         1,
		CI95Ub:         4,
		LogRR:          math.Log(2),
		SeLogRR:        0.35,
	}, nil
}

type failingFitter struct{}

func (failingFitter) Fit(ctx context.Context, task Task) (Estimate, error) {
	return Estimate{}, assert.AnError
}

func TestFitOutcomeModels(t *testing.T) {
	folder := t.TempDir()

	estimates, err := FitOutcomeModels(context.Background(), Params{
		Fitter: fakeFitter{},
		Log:    slog.New(slog.DiscardHandler),
		Comparisons: []cohorts.Comparison{
			{TargetID: 3, ComparatorID: 4},
			{TargetID: 1, ComparatorID: 2},
		},
		OutcomeIDs:   []int{202, 101},
		MaxCores:     2,
		OutputFolder: folder,
	})
	require.NoError(t, err)

	// Ordered by target, comparator, outcome regardless of task order.
	require.Len(t, estimates, 4)
	assert.Equal(t, []int{1, 1, 3, 3}, []int{
		estimates[0].TargetID, estimates[1].TargetID, estimates[2].TargetID, estimates[3].TargetID,
	})
	assert.Equal(t, 101, estimates[0].OutcomeID)
	assert.Equal(t, 202, estimates[1].OutcomeID)

	data, err := os.ReadFile(filepath.Join(folder, EstimatesFileName))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t,
		"target_id,comparator_id,outcome_id,target_subjects,comparator_subjects,"+
			"target_outcomes,comparator_outcomes,rr,ci_95_lb,ci_95_ub,log_rr,se_log_rr",
		lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "1,2,101,101,0,0,0,2,1,4,"))
}

func TestFitOutcomeModelsFitterError(t *testing.T) {
	_, err := FitOutcomeModels(context.Background(), Params{
		Fitter:       failingFitter{},
		Log:          slog.New(slog.DiscardHandler),
		Comparisons:  []cohorts.Comparison{{TargetID: 1, ComparatorID: 2}},
		OutcomeIDs:   []int{101},
		MaxCores:     1,
		OutputFolder: t.TempDir(),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestCrudeRatioFitter(t *testing.T) {
	db, mock := newMockAdapter(t)

	counts := []string{"subjects", "outcomes"}
	mock.ExpectQuery(`(?s)e\.cohort_definition_id = 1$`).
		WillReturnRows(sqlmock.NewRows(counts).AddRow(100, 10))
	mock.ExpectQuery(`(?s)e\.cohort_definition_id = 2$`).
		WillReturnRows(sqlmock.NewRows(counts).AddRow(200, 10))

	fitter := &CrudeRatioFitter{
		DB:            db,
		CohortSchema:  "scratch",
		ExposureTable: "exposure_cohorts",
		OutcomeTable:  "outcome_cohorts",
	}
	estimate, err := fitter.Fit(context.Background(), Task{
		Comparison: cohorts.Comparison{TargetID: 1, ComparatorID: 2},
		OutcomeID:  101,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, int64(100), estimate.TargetSubjects)
	assert.Equal(t, int64(10), estimate.TargetOutcomes)
	assert.InDelta(t, 2.0, estimate.RR, 1e-9)
	assert.InDelta(t, math.Log(2), estimate.LogRR, 1e-9)
	assert.InDelta(t, math.Sqrt(0.185), estimate.SeLogRR, 1e-9)
	assert.Less(t, estimate.CI95Lb, estimate.RR)
	assert.Greater(t, estimate.CI95Ub, estimate.RR)
}

func TestCrudeRatioFitterNoEvents(t *testing.T) {
	db, mock := newMockAdapter(t)

	counts := []string{"subjects", "outcomes"}
	mock.ExpectQuery(`e\.cohort_definition_id = 1`).
		WillReturnRows(sqlmock.NewRows(counts).AddRow(100, 0))
	mock.ExpectQuery(`e\.cohort_definition_id = 2`).
		WillReturnRows(sqlmock.NewRows(counts).AddRow(200, 5))

	fitter := &CrudeRatioFitter{
		DB:            db,
		CohortSchema:  "scratch",
		ExposureTable: "exposure_cohorts",
		OutcomeTable:  "outcome_cohorts",
	}
	estimate, err := fitter.Fit(context.Background(), Task{
		Comparison: cohorts.Comparison{TargetID: 1, ComparatorID: 2},
		OutcomeID:  101,
	})
	require.NoError(t, err)
	assert.True(t, math.IsNaN(estimate.RR))
	assert.True(t, math.IsNaN(estimate.SeLogRR))
	assert.Equal(t, int64(100), estimate.TargetSubjects)
}
