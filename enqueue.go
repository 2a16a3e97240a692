package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"flow-runner/queue"
	"flow-runner/shared"
	"github.com/spf13/cobra"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <graph-file>",
	Short: "Create a pending run for a graph and enqueue it",
	Long: `Create a pending run for the graph in a JSON or YAML file and hand it
to the Temporal queue, where any running worker picks it up.`,
	Args: cobra.ExactArgs(1),
	RunE: runEnqueue,
}

var runCmd = &cobra.Command{
	Use:   "run <graph-file>",
	Short: "Execute a graph in-process and print the finished run",
	Args:  cobra.ExactArgs(1),
	RunE:  runOnce,
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.Queue.Backend != "temporal" {
		return errors.New("enqueue needs queue.backend=temporal; the in-memory queue lives inside one process, use `run` instead")
	}
	q, err := a.queue()
	if err != nil {
		return err
	}
	defer q.Close()

	handle, err := a.enqueue(ctx, q, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, handle)
}

// runOnce drives a single run through an in-memory queue so redelivery and
// dead-lettering behave as they do in a worker.
func runOnce(cmd *cobra.Command, args []string) error {
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
	job, err := a.newJob(ctx, args[0])
	if err != nil {
		return err
	}

	consumeCtx, stop := context.WithCancel(ctx)
	defer stop()
	var deadLettered error
	q := queue.NewMemoryQueue(a.cfg.QueuePolicy(), a.logger, queue.WithDeadLetterHook(func(ctx context.Context, dl shared.DeadLetter) {
		deadLettered = errors.New(dl.Error)
		stop()
	}))
	if _, err := q.Enqueue(ctx, job); err != nil {
		return err
	}
	err = q.Consume(consumeCtx, func(ctx context.Context, job shared.Job) error {
		if err := runner.Handle(ctx, job); err != nil {
			return err
		}
		stop()
		return nil
	})
	if err != nil {
		return err
	}
	if deadLettered != nil {
		return deadLettered
	}
	if ctx.Err() != nil {
		return fmt.Errorf("interrupted, run %s left for redelivery: %w", job.RunID, ctx.Err())
	}

	run, err := a.store.GetRun(context.WithoutCancel(ctx), job.RunID)
	if err != nil {
		return err
	}
	if err := printJSON(cmd, run); err != nil {
		return err
	}
	if run.Status == shared.RunStatusFailed {
		return fmt.Errorf("run %s failed", run.ID)
	}
	return nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
