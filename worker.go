package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"flow-runner/engine"
	"flow-runner/queue"
	"flow-runner/shared"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	workerGraphs []string
	workflowID   string
	inputPayload string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume run jobs until interrupted",
	Long: `Start a worker that executes queued runs with queue.concurrency slots.
With --graph the given graph files are enqueued as new runs once the worker
is up, which is handy with the in-memory queue.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringSliceVar(&workerGraphs, "graph", nil, "graph file(s) to enqueue on startup")
	for _, cmd := range []*cobra.Command{enqueueCmd, runCmd} {
		cmd.Flags().StringVar(&workflowID, "workflow-id", "", "workflow id recorded on the run (default: graph file name)")
		cmd.Flags().StringVar(&inputPayload, "input", "", "JSON input payload recorded on the run")
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	runner, err := a.runner()
	if err != nil {
		return err
	}
	q, err := a.queue()
	if err != nil {
		return err
	}
	defer q.Close()

	for _, path := range workerGraphs {
		if _, err := a.enqueue(ctx, q, path); err != nil {
			return err
		}
	}

	a.logger.Info("Starting Worker...",
		zap.String("queue", a.cfg.Queue.Backend),
		zap.Int("concurrency", a.cfg.Queue.Concurrency))
	if err := q.Consume(ctx, runner.Handle); err != nil {
		return fmt.Errorf("worker run failed: %w", err)
	}
	a.logger.Info("Worker stopped.")
	return nil
}

// newJob loads the graph at path and records a pending run for it
func (a *app) newJob(ctx context.Context, path string) (shared.Job, error) {
	graph, err := engine.LoadGraphFile(path)
	if err != nil {
		return shared.Job{}, err
	}

	var input json.RawMessage
	if inputPayload != "" {
		if !json.Valid([]byte(inputPayload)) {
			return shared.Job{}, fmt.Errorf("--input is not valid JSON")
		}
		input = json.RawMessage(inputPayload)
	}
	wfID := workflowID
	if wfID == "" {
		wfID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	run := shared.Run{ID: uuid.NewString(), WorkflowID: wfID, Status: shared.RunStatusPending, InputPayload: input}
	if err := a.store.CreateRun(ctx, run); err != nil {
		return shared.Job{}, err
	}
	return shared.Job{RunID: run.ID, WorkflowID: wfID, Graph: graph}, nil
}

func (a *app) enqueue(ctx context.Context, q queue.Queue, path string) (queue.JobHandle, error) {
	job, err := a.newJob(ctx, path)
	if err != nil {
		return queue.JobHandle{}, err
	}
	handle, err := q.Enqueue(ctx, job)
	if err != nil {
		return queue.JobHandle{}, err
	}
	a.logger.Info("Run enqueued",
		zap.String("runID", job.RunID),
		zap.String("workflowID", job.WorkflowID),
		zap.String("graph", path))
	return handle, nil
}
