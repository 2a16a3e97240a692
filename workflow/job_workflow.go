package workflow

import (
	"errors"
	"time"

	"flow-runner/activities"
	"flow-runner/shared"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// DeadLetteredErrorType is the application error type a job workflow fails
// with once its deliveries are exhausted.
const DeadLetteredErrorType = "DeadLettered"

// DeliveryOptions is the retry policy of the Deliver activity
type DeliveryOptions struct {
	MaxAttempts         int32
	InitialInterval     time.Duration
	BackoffCoefficient  float64
	MaximumInterval     time.Duration
	HeartbeatTimeout    time.Duration
	StartToCloseTimeout time.Duration
}

// JobInput is the input of JobWorkflow
type JobInput struct {
	Job      shared.Job
	Delivery DeliveryOptions
}

// JobResult is returned by a job workflow whose delivery succeeded
type JobResult struct {
	RunID     string
	Delivered bool
}

// JobWorkflow delivers one job to a worker. Delivery failures are retried
// by the activity retry policy; when they run out the job is dead-lettered
// and the workflow fails. A delivery interrupted by worker shutdown is
// scheduled again with the attempts it had left.
func JobWorkflow(ctx workflow.Context, input JobInput) (JobResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("JobWorkflow started", "runID", input.Job.RunID, "workflowID", input.Job.WorkflowID)

	var d *activities.Delivery
	opts := buildActivityOptions(input.Delivery)
	var err error
	for {
		deliverCtx := workflow.WithActivityOptions(ctx, opts)
		err = workflow.ExecuteActivity(deliverCtx, d.Deliver, input.Job).Get(ctx, nil)
		if err == nil {
			logger.Info("JobWorkflow completed", "runID", input.Job.RunID)
			return JobResult{RunID: input.Job.RunID, Delivered: true}, nil
		}
		failed, interrupted := interruptedAttempts(err)
		if !interrupted {
			break
		}
		// failed attempts before the interruption still count
		retry := *opts.RetryPolicy
		retry.MaximumAttempts = max(retry.MaximumAttempts-failed, 1)
		opts.RetryPolicy = &retry
		logger.Warn("Job delivery interrupted, delivering again",
			"runID", input.Job.RunID, "attemptsLeft", retry.MaximumAttempts)
	}

	logger.Error("Job delivery exhausted", "runID", input.Job.RunID, "errorType", errorType(err), "error", err)

	dlCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	})
	dl := activities.DeadLetterInput{Job: input.Job, Attempts: int(input.Delivery.MaxAttempts), Error: rootCause(err).Error()}
	if dlErr := workflow.ExecuteActivity(dlCtx, d.DeadLetter, dl).Get(ctx, nil); dlErr != nil {
		logger.Error("Dead-letter activity failed", "runID", input.Job.RunID, "error", dlErr)
	}

	return JobResult{RunID: input.Job.RunID}, temporal.NewNonRetryableApplicationError(
		"job dead-lettered: "+dl.Error, DeadLetteredErrorType, err)
}

func buildActivityOptions(opts DeliveryOptions) workflow.ActivityOptions {
	if opts.StartToCloseTimeout <= 0 {
		opts.StartToCloseTimeout = 30 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 2 * time.Second
	}
	if opts.BackoffCoefficient < 1 {
		opts.BackoffCoefficient = 2.0
	}
	return workflow.ActivityOptions{
		StartToCloseTimeout: opts.StartToCloseTimeout,
		HeartbeatTimeout:    opts.HeartbeatTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts:    opts.MaxAttempts,
			InitialInterval:    opts.InitialInterval,
			BackoffCoefficient: opts.BackoffCoefficient,
			MaximumInterval:    opts.MaximumInterval,
		},
	}
}

// interruptedAttempts reports whether err is an interrupted delivery and how
// many failed attempts preceded it.
func interruptedAttempts(err error) (int32, bool) {
	var appErr *temporal.ApplicationError
	if !errors.As(err, &appErr) || appErr.Type() != activities.InterruptedErrorType {
		return 0, false
	}
	var attempt int32
	if appErr.HasDetails() && appErr.Details(&attempt) == nil && attempt > 1 {
		return attempt - 1, true
	}
	return 0, true
}

func errorType(err error) string {
	var timeoutErr *temporal.TimeoutError
	if errors.As(err, &timeoutErr) {
		if timeoutErr.TimeoutType() == enumspb.TIMEOUT_TYPE_HEARTBEAT {
			return "heartbeat_timeout"
		}
		return "timeout"
	}
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return "application_error"
	}
	return "unknown_error"
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
