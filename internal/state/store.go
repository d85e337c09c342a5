// Package state persists the run ledger for the study pipeline using
// SQLite. It tracks runs and per-stage execution history.
package state

import "time"

// RunStatus represents the status of a pipeline run.
type RunStatus string

// Run status values.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run represents one execution of the study pipeline.
type Run struct {
	ID          string
	Indication  string
	Status      RunStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string
}

// StageRunStatus represents the status of a single stage within a run.
type StageRunStatus string

// Stage run status values.
const (
	StageRunStatusPending StageRunStatus = "pending"
	StageRunStatusRunning StageRunStatus = "running"
	StageRunStatusSuccess StageRunStatus = "success"
	StageRunStatusFailed  StageRunStatus = "failed"
	StageRunStatusSkipped StageRunStatus = "skipped"
)

// StageRun represents the execution of one stage within a run.
type StageRun struct {
	ID           string
	RunID        string
	Stage        string
	Status       StageRunStatus
	RowsAffected int64
	Error        string
	DurationMS   int64
	StartedAt    time.Time
}

// Store is the interface for run ledger persistence.
type Store interface {
	Open(path string) error
	Close() error
	Migrate() error

	CreateRun(indication string) (*Run, error)
	GetRun(id string) (*Run, error)
	CompleteRun(id string, status RunStatus, errMsg string) error

	RecordStageRun(runID, stage string) (*StageRun, error)
	UpdateStageRun(id string, status StageRunStatus, rowsAffected int64, errMsg string, durationMS int64) error
	GetStageRuns(runID string) ([]*StageRun, error)
}
