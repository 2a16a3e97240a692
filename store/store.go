// Package store persists workflow runs and their per-node task rows.
package store

import (
	"context"
	"encoding/json"

	"flow-runner/shared"
)

// RunStore holds the workflow_runs lifecycle
type RunStore interface {
	// CreateRun inserts a run in the pending state.
	CreateRun(ctx context.Context, run shared.Run) error
	// StartRun moves a pending run to running and stamps started_at. A run
	// that is already running (a redelivered job) is accepted as is and
	// reported through redelivered. Terminal runs fail with shared.ErrRunFinished.
	StartRun(ctx context.Context, runID string) (redelivered bool, err error)
	// FinishRun writes the terminal status exactly once. Only a running run
	// can be finished.
	FinishRun(ctx context.Context, runID string, status shared.RunStatus, summary json.RawMessage) error
	GetRun(ctx context.Context, runID string) (shared.Run, error)
}

// TaskStore holds one row per node execution attempt
type TaskStore interface {
	CreateTask(ctx context.Context, task shared.Task) error
	FinishTask(ctx context.Context, taskID string, status shared.TaskStatus, logs json.RawMessage) error
	// ListTasks returns the tasks of a run in creation order.
	ListTasks(ctx context.Context, runID string) ([]shared.Task, error)
}

// Store is everything the engine writes to
type Store interface {
	RunStore
	TaskStore
	Close() error
}
