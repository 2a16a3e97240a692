package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"flow-runner/shared"
)

// MemoryStore keeps runs and tasks in process. It applies the same transition
// rules as SQLStore.
type MemoryStore struct {
	mu    sync.RWMutex
	runs  map[string]shared.Run
	tasks []shared.Task
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string]shared.Run),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateRun(ctx context.Context, run shared.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("workflow run %s already exists", run.ID)
	}
	if run.Status == "" {
		run.Status = shared.RunStatusPending
	}
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) StartRun(ctx context.Context, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return false, fmt.Errorf("%w: %s", shared.ErrRunNotFound, runID)
	}
	switch run.Status {
	case shared.RunStatusRunning:
		return true, nil
	case shared.RunStatusPending:
		now := s.now()
		run.Status = shared.RunStatusRunning
		run.StartedAt = &now
		s.runs[runID] = run
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s is %s", shared.ErrRunFinished, runID, run.Status)
	}
}

func (s *MemoryStore) FinishRun(ctx context.Context, runID string, status shared.RunStatus, summary json.RawMessage) error {
	if !status.IsTerminal() {
		return fmt.Errorf("cannot finish run %s with non-terminal status %q", runID, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", shared.ErrRunNotFound, runID)
	}
	if err := finishable(run); err != nil {
		return err
	}
	now := s.now()
	run.Status = status
	run.ResultSummary = cloneRaw(summary)
	run.FinishedAt = &now
	s.runs[runID] = run
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (shared.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return shared.Run{}, fmt.Errorf("%w: %s", shared.ErrRunNotFound, runID)
	}
	return run, nil
}

func (s *MemoryStore) CreateTask(ctx context.Context, task shared.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[task.RunID]; !ok {
		return fmt.Errorf("%w: %s", shared.ErrRunNotFound, task.RunID)
	}
	if task.StartedAt == nil {
		now := s.now()
		task.StartedAt = &now
	}
	s.tasks = append(s.tasks, task)
	return nil
}

func (s *MemoryStore) FinishTask(ctx context.Context, taskID string, status shared.TaskStatus, logs json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.tasks {
		if s.tasks[i].ID != taskID {
			continue
		}
		now := s.now()
		s.tasks[i].Status = status
		s.tasks[i].Logs = cloneRaw(logs)
		s.tasks[i].FinishedAt = &now
		return nil
	}
	return fmt.Errorf("task %s not found", taskID)
}

func (s *MemoryStore) ListTasks(ctx context.Context, runID string) ([]shared.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []shared.Task
	for _, t := range s.tasks {
		if t.RunID == runID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func finishable(run shared.Run) error {
	switch run.Status {
	case shared.RunStatusRunning:
		return nil
	case shared.RunStatusPending:
		return fmt.Errorf("workflow run %s has not started", run.ID)
	default:
		return fmt.Errorf("%w: %s is %s", shared.ErrRunFinished, run.ID, run.Status)
	}
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
