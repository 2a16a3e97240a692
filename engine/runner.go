package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flow-runner/shared"
	"flow-runner/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Outcome is the business result of one delivery of a job
type Outcome struct {
	RunID         string           `json:"runId"`
	Status        shared.RunStatus `json:"status"`
	NodesExecuted int              `json:"nodesExecuted"`
	FailedNode    string           `json:"failedNode,omitempty"`
	Error         string           `json:"error,omitempty"`
	// Skipped is set when the run was already terminal and no work was done.
	Skipped bool `json:"skipped,omitempty"`
}

// Runner executes the graph of a job against the run and task stores. It is
// the handler the job queue delivers to.
type Runner struct {
	runs     store.RunStore
	executor *NodeExecutor
	ordering Ordering
	tracer   trace.Tracer
	logger   *zap.Logger
	now      func() time.Time
}

type RunnerOption func(*Runner)

func WithOrdering(o Ordering) RunnerOption {
	return func(r *Runner) { r.ordering = o }
}

func WithTracer(t trace.Tracer) RunnerOption {
	return func(r *Runner) { r.tracer = t }
}

func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// WithTaskIDs overrides task id generation
func WithTaskIDs(newID func() string) RunnerOption {
	return func(r *Runner) { r.executor.newID = newID }
}

func NewRunner(s store.Store, dispatcher Dispatcher, logger *zap.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		runs:     s,
		ordering: OrderingTopological,
		tracer:   noop.NewTracerProvider().Tracer("flow-runner/engine"),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	r.executor = NewNodeExecutor(dispatcher, s, r.tracer, logger)
	for _, opt := range opts {
		opt(r)
	}
	r.executor.tracer = r.tracer
	r.executor.now = r.now
	return r
}

// Handle is the queue handler: a failed run is a completed delivery, only
// infrastructure errors (store writes) and interruptions are returned.
func (r *Runner) Handle(ctx context.Context, job shared.Job) error {
	_, err := r.Run(ctx, job)
	return err
}

// Run moves the run to running, executes its nodes one at a time and writes
// exactly one terminal status. When ctx is cancelled mid-run nothing terminal
// is written and the cancellation is returned so the job is redelivered.
func (r *Runner) Run(ctx context.Context, job shared.Job) (Outcome, error) {
	ctx, span := r.tracer.Start(ctx, "run "+job.RunID, trace.WithAttributes(
		attribute.String("run.id", job.RunID),
		attribute.String("workflow.id", job.WorkflowID),
		attribute.Int("graph.nodes", len(job.Graph.Nodes)),
	))
	defer span.End()

	outcome := Outcome{RunID: job.RunID}
	bookkeeping := context.WithoutCancel(ctx)

	redelivered, err := r.runs.StartRun(bookkeeping, job.RunID)
	if errors.Is(err, shared.ErrRunFinished) {
		r.logger.Info("Run already finished, acknowledging redelivered job", zap.String("runID", job.RunID))
		outcome.Skipped = true
		if run, getErr := r.runs.GetRun(bookkeeping, job.RunID); getErr == nil {
			outcome.Status = run.Status
		}
		return outcome, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start run")
		return outcome, fmt.Errorf("start run %s: %w", job.RunID, err)
	}
	if redelivered {
		r.logger.Warn("Run was already running, restarting from the first node", zap.String("runID", job.RunID))
	}

	r.logger.Info("Run execution started",
		zap.String("runID", job.RunID),
		zap.String("workflowID", job.WorkflowID),
		zap.Int("totalNodes", len(job.Graph.Nodes)),
		zap.String("ordering", string(r.ordering)))

	order, err := r.order(job.Graph)
	if err != nil {
		r.logger.Error("Workflow graph rejected", zap.String("runID", job.RunID), zap.Error(err))
		return r.fail(bookkeeping, span, outcome, "", err)
	}

	ec := shared.NewExecutionContext()
	metrics := NewRunMetrics(len(order), r.now())

	for _, node := range order {
		if err := ctx.Err(); err != nil {
			return outcome, r.interrupted(span, job.RunID, node.ID, err)
		}

		res, err := r.executor.Execute(ctx, job.RunID, node, ec)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return outcome, r.interrupted(span, job.RunID, node.ID, ctxErr)
			}
			var storeErr *shared.StoreError
			if errors.As(err, &storeErr) {
				r.logger.Error("Task write failed, leaving run for redelivery",
					zap.String("runID", job.RunID),
					zap.String("nodeID", node.ID),
					zap.Error(err))
				span.RecordError(err)
				span.SetStatus(codes.Error, "task write")
				return outcome, fmt.Errorf("run %s: %w", job.RunID, err)
			}
			metrics.RecordNodeFailed(node.ID, res.Duration)
			metrics.Finish(r.now())
			metrics.Log(r.logger, zapcore.ErrorLevel, job.RunID)
			outcome.NodesExecuted = ec.Len()
			return r.fail(bookkeeping, span, outcome, node.ID, err)
		}
		metrics.RecordNodeCompletion(node.ID, res.Duration)
	}

	metrics.Finish(r.now())
	metrics.Log(r.logger, zapcore.InfoLevel, job.RunID)

	summary, err := json.Marshal(map[string]interface{}{
		"nodes_executed": ec.Len(),
		"context":        ec.Snapshot(),
	})
	if err != nil {
		return r.fail(bookkeeping, span, outcome, "", fmt.Errorf("encode run summary: %w", err))
	}
	if err := r.finish(bookkeeping, job.RunID, shared.RunStatusSuccess, summary); err != nil {
		span.RecordError(err)
		return outcome, err
	}

	outcome.Status = shared.RunStatusSuccess
	outcome.NodesExecuted = ec.Len()
	r.logger.Info("Run execution finished successfully",
		zap.String("runID", job.RunID),
		zap.Int("nodesExecuted", outcome.NodesExecuted))
	return outcome, nil
}

func (r *Runner) order(graph shared.Graph) ([]shared.Node, error) {
	dm, err := NewDependencyManager(graph, r.logger)
	if err != nil {
		return nil, err
	}
	return dm.Order(r.ordering)
}

// fail writes the failed terminal status. The summary error is the cause's
// own message, so a connector failure surfaces verbatim.
func (r *Runner) fail(ctx context.Context, span trace.Span, outcome Outcome, nodeID string, cause error) (Outcome, error) {
	var nodeErr *shared.NodeError
	message := cause.Error()
	if errors.As(cause, &nodeErr) && nodeErr.Err != nil {
		message = nodeErr.Err.Error()
	}

	span.RecordError(cause)
	span.SetStatus(codes.Error, message)

	body := map[string]interface{}{"error": message}
	if nodeID != "" {
		body["failed_node"] = nodeID
	}
	summary, _ := json.Marshal(body)
	if err := r.finish(ctx, outcome.RunID, shared.RunStatusFailed, summary); err != nil {
		return outcome, err
	}

	r.logger.Error("Run execution failed",
		zap.String("runID", outcome.RunID),
		zap.String("failedNode", nodeID),
		zap.String("error", message))

	outcome.Status = shared.RunStatusFailed
	outcome.FailedNode = nodeID
	outcome.Error = message
	return outcome, nil
}

func (r *Runner) finish(ctx context.Context, runID string, status shared.RunStatus, summary json.RawMessage) error {
	err := r.runs.FinishRun(ctx, runID, status, summary)
	if errors.Is(err, shared.ErrRunFinished) {
		// a concurrent delivery already wrote the terminal status
		r.logger.Warn("Run finished by another delivery", zap.String("runID", runID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	return nil
}

func (r *Runner) interrupted(span trace.Span, runID, nodeID string, cause error) error {
	r.logger.Warn("Run interrupted, leaving it running for redelivery",
		zap.String("runID", runID),
		zap.String("nodeID", nodeID),
		zap.Error(cause))
	span.SetStatus(codes.Error, "interrupted")
	return fmt.Errorf("run %s interrupted at node %s: %w", runID, nodeID, cause)
}
