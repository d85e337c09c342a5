package incidence

import (
	"context"
	"log/slog"
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
	missingTables bool
}

func (m *mockAdapter) Connect(ctx context.Context, cfg adapter.Config) error { return nil }
func (m *mockAdapter) LoadCSV(ctx context.Context, table, path string) error { return nil }
func (m *mockAdapter) TableExists(ctx context.Context, table string) (bool, error) {
	return !m.missingTables, nil
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

func TestComputeIncidence(t *testing.T) {
	db, mock := newMockAdapter(t)
	folder := t.TempDir()

	counts := []string{"subjects", "outcomes", "days_at_risk"}
	// Exposures 1 and 2 (from the single comparison), one outcome each.
	mock.ExpectQuery(`(?s)cohort_definition_id = 1\).*cohort_definition_id = 101`).
		WillReturnRows(sqlmock.NewRows(counts).AddRow(100, 10, 36525))
	mock.ExpectQuery(`(?s)cohort_definition_id = 2\).*cohort_definition_id = 101`).
		WillReturnRows(sqlmock.NewRows(counts).AddRow(50, 0, 0))

	rates, err := ComputeIncidence(context.Background(), Params{
		DB:            db,
		Log:           slog.New(slog.DiscardHandler),
		CohortSchema:  "scratch",
		ExposureTable: "exposure_cohorts",
		OutcomeTable:  "outcome_cohorts",
		Comparisons:   []cohorts.Comparison{{TargetID: 1, ComparatorID: 2}},
		OutcomeIDs:    []int{101},
		OutputFolder:  folder,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, rates, 2)
	// 36525 days is exactly 100 person-years: 10 events over 100 py is a
	// rate of 100 per 1000 py.
	assert.InDelta(t, 100.0, rates[0].RatePer1000PYears, 1e-9)
	assert.Equal(t, int64(100), rates[0].Subjects)
	// Zero days at risk leaves the rate at zero rather than dividing by zero.
	assert.Equal(t, 0.0, rates[1].RatePer1000PYears)

	data, err := os.ReadFile(filepath.Join(folder, IncidenceFileName))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "exposure_id,outcome_id,subjects,outcomes,days_at_risk,rate_per_1000_pyears", lines[0])
	assert.Equal(t, "1,101,100,10,36525,100.00", lines[1])
	assert.Equal(t, "2,101,50,0,0,0.00", lines[2])
}

func TestComputeIncidenceMissingCohortTable(t *testing.T) {
	db, _ := newMockAdapter(t)
	db.missingTables = true

	_, err := ComputeIncidence(context.Background(), Params{
		DB:            db,
		Log:           slog.New(slog.DiscardHandler),
		CohortSchema:  "scratch",
		ExposureTable: "exposure_cohorts",
		OutcomeTable:  "outcome_cohorts",
		Comparisons:   []cohorts.Comparison{{TargetID: 1, ComparatorID: 2}},
		OutcomeIDs:    []int{101},
		OutputFolder:  t.TempDir(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scratch.exposure_cohorts does not exist")
}

func TestComputeIncidenceQueryError(t *testing.T) {
	db, mock := newMockAdapter(t)

	mock.ExpectQuery(`cohort_definition_id`).WillReturnError(assert.AnError)

	_, err := ComputeIncidence(context.Background(), Params{
		DB:            db,
		Log:           slog.New(slog.DiscardHandler),
		CohortSchema:  "scratch",
		ExposureTable: "exposure_cohorts",
		OutcomeTable:  "outcome_cohorts",
		Comparisons:   []cohorts.Comparison{{TargetID: 1, ComparatorID: 2}},
		OutcomeIDs:    []int{101},
		OutputFolder:  t.TempDir(),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}
