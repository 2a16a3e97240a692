package activities

import (
	"context"
	"sync/atomic"
	"time"

	"flow-runner/shared"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"
)

// DefaultHeartbeatInterval is used when the activity has no heartbeat timeout
const DefaultHeartbeatInterval = 10 * time.Second

// InterruptedErrorType is the application error type of a delivery cut short
// by worker shutdown. Its details carry the attempt number. The job workflow
// delivers it again without counting that attempt.
const InterruptedErrorType = "DeliveryInterrupted"

// DeadLetterInput is what the job workflow hands to DeadLetter
type DeadLetterInput struct {
	Job      shared.Job
	Attempts int
	Error    string
}

// Delivery hosts the activities of the job workflow. Registering a
// *Delivery registers its exported methods as activities.
type Delivery struct {
	handler      func(ctx context.Context, job shared.Job) error
	onDeadLetter func(ctx context.Context, dl shared.DeadLetter)
	logger       *zap.Logger
}

func NewDelivery(handler func(context.Context, shared.Job) error, onDeadLetter func(context.Context, shared.DeadLetter), logger *zap.Logger) *Delivery {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Delivery{handler: handler, onDeadLetter: onDeadLetter, logger: logger}
}

// Deliver runs the job handler once, heartbeating while it works so a
// crashed worker's job is handed to another worker. Stopping the worker
// cancels the handler.
func (d *Delivery) Deliver(ctx context.Context, job shared.Job) error {
	info := activity.GetInfo(ctx)
	logger := activity.GetLogger(ctx)
	logger.Info("Delivering job", "runID", job.RunID, "attempt", info.Attempt)

	interval := DefaultHeartbeatInterval
	if info.HeartbeatTimeout > 0 {
		interval = info.HeartbeatTimeout / 2
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var stopping atomic.Bool
	stop := activity.GetWorkerStopChannel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		started := time.Now()
		for {
			select {
			case <-ticker.C:
				activity.RecordHeartbeat(ctx, time.Since(started).String())
			case <-stop:
				stopping.Store(true)
				cancel()
				return
			case <-runCtx.Done():
				return
			}
		}
	}()

	err := d.handler(runCtx, job)
	if err != nil && stopping.Load() {
		logger.Warn("Job delivery interrupted by worker shutdown", "runID", job.RunID, "attempt", info.Attempt, "error", err)
		return temporal.NewNonRetryableApplicationError("delivery interrupted: "+err.Error(), InterruptedErrorType, err, info.Attempt)
	}
	if err != nil {
		logger.Warn("Job delivery failed", "runID", job.RunID, "attempt", info.Attempt, "error", err)
		return err
	}
	logger.Info("Job delivered", "runID", job.RunID, "attempt", info.Attempt)
	return nil
}

// DeadLetter raises the alert for a job whose deliveries were exhausted
func (d *Delivery) DeadLetter(ctx context.Context, input DeadLetterInput) error {
	dl := shared.DeadLetter{Job: input.Job, Attempts: input.Attempts, Error: input.Error, At: time.Now().UTC()}
	d.logger.Error("Job dead-lettered",
		zap.Bool("alert", true),
		zap.String("runID", input.Job.RunID),
		zap.String("workflowID", input.Job.WorkflowID),
		zap.Int("attempts", input.Attempts),
		zap.String("error", input.Error))
	if d.onDeadLetter != nil {
		d.onDeadLetter(ctx, dl)
	}
	return nil
}
