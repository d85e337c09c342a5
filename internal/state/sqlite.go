package state

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // sqlite driver
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite state store instance.
// If logger is nil, a discard logger is used.
func NewSQLiteStore(logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SQLiteStore{logger: logger}
}

// Open opens a connection to the SQLite database.
// Use ":memory:" for an in-memory database.
func (s *SQLiteStore) Open(path string) error {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// An in-memory database exists per connection; pin the pool to one so
	// every statement sees the same database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	s.db = db
	s.path = path
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// generateID creates a new UUID.
func generateID() string {
	return uuid.New().String()
}

// --- Run operations ---

// CreateRun creates a new pipeline run.
func (s *SQLiteStore) CreateRun(indication string) (*Run, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	run := &Run{
		ID:         generateID(),
		Indication: indication,
		Status:     RunStatusRunning,
		StartedAt:  time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO runs (id, indication, status, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.Indication, run.Status, run.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	return run, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(id string) (*Run, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	run := &Run{}
	var completedAt sql.NullTime
	var errMsg sql.NullString

	err := s.db.QueryRow(
		`SELECT id, indication, status, started_at, completed_at, error FROM runs WHERE id = ?`,
		id,
	).Scan(&run.ID, &run.Indication, &run.Status, &run.StartedAt, &completedAt, &errMsg)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if errMsg.Valid {
		run.Error = errMsg.String
	}

	return run, nil
}

// CompleteRun marks a run as completed with the given status.
func (s *SQLiteStore) CompleteRun(id string, status RunStatus, errMsg string) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}

	now := time.Now().UTC()
	var errorPtr *string
	if errMsg != "" {
		errorPtr = &errMsg
	}

	result, err := s.db.Exec(
		`UPDATE runs SET status = ?, completed_at = ?, error = ? WHERE id = ?`,
		status, now, errorPtr, id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

// --- Stage run operations ---

// RecordStageRun records a pending stage run within a run.
func (s *SQLiteStore) RecordStageRun(runID, stage string) (*StageRun, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	sr := &StageRun{
		ID:        generateID(),
		RunID:     runID,
		Stage:     stage,
		Status:    StageRunStatusPending,
		StartedAt: time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO stage_runs (id, run_id, stage, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		sr.ID, sr.RunID, sr.Stage, sr.Status, sr.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record stage run: %w", err)
	}

	return sr, nil
}

// UpdateStageRun updates the status and metrics of a stage run.
func (s *SQLiteStore) UpdateStageRun(id string, status StageRunStatus, rowsAffected int64, errMsg string, durationMS int64) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}

	result, err := s.db.Exec(
		`UPDATE stage_runs SET status = ?, rows_affected = ?, error = ?, duration_ms = ? WHERE id = ?`,
		status, rowsAffected, errMsg, durationMS, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update stage run: %w", err)
	}

	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("stage run not found: %s", id)
	}
	return nil
}

// GetStageRuns retrieves all stage runs for a run, in execution order.
func (s *SQLiteStore) GetStageRuns(runID string) ([]*StageRun, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	rows, err := s.db.Query(
		`SELECT id, run_id, stage, status, rows_affected, error, duration_ms, started_at
		 FROM stage_runs WHERE run_id = ? ORDER BY started_at, rowid`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stage runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stageRuns []*StageRun
	for rows.Next() {
		sr := &StageRun{}
		var errMsg sql.NullString
		if err := rows.Scan(&sr.ID, &sr.RunID, &sr.Stage, &sr.Status, &sr.RowsAffected, &errMsg, &sr.DurationMS, &sr.StartedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stage run: %w", err)
		}
		if errMsg.Valid {
			sr.Error = errMsg.String
		}
		stageRuns = append(stageRuns, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stage runs: %w", err)
	}

	return stageRuns, nil
}

var _ Store = (*SQLiteStore)(nil)
