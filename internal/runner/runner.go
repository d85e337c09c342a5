// Package runner executes the study pipeline: a fixed, ordered list of
// stages, each gated by its own enable flag. Disabled stages are neither
// executed nor recorded. The first stage error aborts the run; enabled
// stages that never got to execute are recorded as skipped.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ohdsi-contrib/legend/internal/state"
)

// StageFunc executes one stage and reports the number of rows it affected.
type StageFunc func(ctx context.Context) (int64, error)

// Stage is one named, flag-gated pipeline step.
type Stage struct {
	Name    string
	Enabled bool
	Run     StageFunc
}

// Runner drives the stage sequence and keeps the run ledger.
type Runner struct {
	store state.Store
	log   *slog.Logger
}

// New returns a Runner writing its ledger to the given store.
func New(store state.Store, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Runner{store: store, log: log}
}

// Run executes the enabled stages in order. The returned run reflects the
// final ledger state; the error is the first stage failure, if any.
func (r *Runner) Run(ctx context.Context, indication string, stages []Stage) (*state.Run, error) {
	run, err := r.store.CreateRun(indication)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	r.log.Info("run started", "run_id", run.ID, "indication", indication)

	var failure error
	for _, stage := range stages {
		if !stage.Enabled {
			r.log.Debug("stage disabled", "stage", stage.Name)
			continue
		}

		stageRun, err := r.store.RecordStageRun(run.ID, stage.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to record stage %s: %w", stage.Name, err)
		}

		if failure != nil {
			if err := r.store.UpdateStageRun(stageRun.ID, state.StageRunStatusSkipped, 0, "", 0); err != nil {
				return nil, fmt.Errorf("failed to mark stage %s skipped: %w", stage.Name, err)
			}
			r.log.Warn("stage skipped", "stage", stage.Name)
			continue
		}

		if err := r.store.UpdateStageRun(stageRun.ID, state.StageRunStatusRunning, 0, "", 0); err != nil {
			return nil, fmt.Errorf("failed to mark stage %s running: %w", stage.Name, err)
		}
		r.log.Info("stage started", "stage", stage.Name)
		start := time.Now()
		rows, err := stage.Run(ctx)
		duration := time.Since(start)

		if err != nil {
			failure = fmt.Errorf("stage %s: %w", stage.Name, err)
			if uerr := r.store.UpdateStageRun(stageRun.ID, state.StageRunStatusFailed, rows, err.Error(), duration.Milliseconds()); uerr != nil {
				return nil, fmt.Errorf("failed to mark stage %s failed: %w", stage.Name, uerr)
			}
			r.log.Error("stage failed", "stage", stage.Name, "error", err, "duration", duration)
			continue
		}

		if err := r.store.UpdateStageRun(stageRun.ID, state.StageRunStatusSuccess, rows, "", duration.Milliseconds()); err != nil {
			return nil, fmt.Errorf("failed to mark stage %s succeeded: %w", stage.Name, err)
		}
		r.log.Info("stage completed", "stage", stage.Name, "rows", rows, "duration", duration)
	}

	status := state.RunStatusCompleted
	errMsg := ""
	if failure != nil {
		status = state.RunStatusFailed
		errMsg = failure.Error()
	}
	if err := r.store.CompleteRun(run.ID, status, errMsg); err != nil {
		return nil, fmt.Errorf("failed to complete run: %w", err)
	}

	final, err := r.store.GetRun(run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	r.log.Info("run finished", "run_id", run.ID, "status", final.Status)
	return final, failure
}
