package queue

import (
	"context"
	"fmt"
	"time"

	"flow-runner/activities"
	"flow-runner/shared"
	"flow-runner/workflow"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
)

// DefaultTaskQueue is the Temporal task queue jobs are delivered on
const DefaultTaskQueue = "flow-runner-jobs"

// TemporalConfig holds the broker connection settings
type TemporalConfig struct {
	HostPort  string
	Namespace string
	TaskQueue string
}

// DialTemporal connects to the Temporal frontend with zap logging
func DialTemporal(cfg TemporalConfig, logger *zap.Logger) (client.Client, error) {
	hostPort := cfg.HostPort
	if hostPort == "" {
		hostPort = client.DefaultHostPort
	}
	c, err := client.Dial(client.Options{
		HostPort:  hostPort,
		Namespace: cfg.Namespace,
		Logger:    NewTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}
	return c, nil
}

// TemporalQueue is the durable broker: each job is a JobWorkflow whose
// Deliver activity runs the handler. Retries, heartbeats and redelivery of
// jobs held by crashed workers are Temporal's.
type TemporalQueue struct {
	client     client.Client
	taskQueue  string
	policy     Policy
	deadLetter DeadLetterHook
	logger     *zap.Logger
}

func NewTemporalQueue(c client.Client, taskQueue string, policy Policy, deadLetter DeadLetterHook, logger *zap.Logger) *TemporalQueue {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TemporalQueue{
		client:     c,
		taskQueue:  taskQueue,
		policy:     policy.withDefaults(),
		deadLetter: deadLetter,
		logger:     logger,
	}
}

// WorkflowID is the broker id of a run's job. Enqueuing a run that already
// has an open job is rejected by the broker.
func WorkflowID(runID string) string {
	return "run-" + runID
}

func (q *TemporalQueue) deliveryOptions() workflow.DeliveryOptions {
	return workflow.DeliveryOptions{
		MaxAttempts:         int32(q.policy.MaxAttempts),
		InitialInterval:     q.policy.InitialBackoff,
		BackoffCoefficient:  q.policy.BackoffCoefficient,
		MaximumInterval:     q.policy.MaxBackoff,
		HeartbeatTimeout:    q.policy.HeartbeatTimeout,
		StartToCloseTimeout: q.policy.RunTimeout,
	}
}

func (q *TemporalQueue) Enqueue(ctx context.Context, job shared.Job) (JobHandle, error) {
	options := client.StartWorkflowOptions{
		ID:                    WorkflowID(job.RunID),
		TaskQueue:             q.taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}
	run, err := q.client.ExecuteWorkflow(ctx, options, workflow.JobWorkflow, workflow.JobInput{
		Job:      job,
		Delivery: q.deliveryOptions(),
	})
	if err != nil {
		return JobHandle{}, fmt.Errorf("failed to enqueue run %s: %w", job.RunID, err)
	}

	q.logger.Info("Job enqueued",
		zap.String("workflowID", run.GetID()),
		zap.String("brokerRun", run.GetRunID()),
		zap.String("runID", job.RunID))
	return JobHandle{ID: run.GetID(), RunID: job.RunID, BrokerRun: run.GetRunID(), EnqueuedAt: time.Now().UTC()}, nil
}

// Consume runs a worker until ctx is done. Stopping the worker cancels
// in-flight deliveries; Temporal redelivers them.
func (q *TemporalQueue) Consume(ctx context.Context, handler Handler) error {
	w := worker.New(q.client, q.taskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: q.policy.Concurrency,
		WorkerStopTimeout:                  10 * time.Second,
	})
	w.RegisterWorkflow(workflow.JobWorkflow)
	w.RegisterActivity(activities.NewDelivery(handler, q.deadLetter, q.logger))

	q.logger.Info("Starting Worker...",
		zap.String("taskQueue", q.taskQueue),
		zap.Int("concurrency", q.policy.Concurrency))
	if err := w.Start(); err != nil {
		return fmt.Errorf("worker start failed: %w", err)
	}
	<-ctx.Done()
	w.Stop()
	q.logger.Info("Worker stopped.")
	return nil
}

func (q *TemporalQueue) Close() error {
	q.client.Close()
	return nil
}
