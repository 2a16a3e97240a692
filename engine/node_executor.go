package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"flow-runner/shared"
	"flow-runner/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Dispatcher runs one node type; *connectors.Registry satisfies it
type Dispatcher interface {
	Dispatch(ctx context.Context, nodeType string, config map[string]interface{}, ec *shared.ExecutionContext) (interface{}, error)
}

// NodeResult describes one finished node execution
type NodeResult struct {
	TaskID   string
	NodeID   string
	Output   interface{}
	Duration time.Duration
}

// NodeExecutor wraps a single dispatch in its task row lifecycle
type NodeExecutor struct {
	dispatcher Dispatcher
	tasks      store.TaskStore
	tracer     trace.Tracer
	logger     *zap.Logger
	newID      func() string
	now        func() time.Time
}

func NewNodeExecutor(dispatcher Dispatcher, tasks store.TaskStore, tracer trace.Tracer, logger *zap.Logger) *NodeExecutor {
	return &NodeExecutor{
		dispatcher: dispatcher,
		tasks:      tasks,
		tracer:     tracer,
		logger:     logger,
		newID:      uuid.NewString,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs node once. The task row is created as running before
// dispatch and finished as success or failed afterwards. Task writes are
// detached from ctx cancellation so an interrupted node still leaves a
// finished row behind. A node failure is returned as *shared.NodeError and
// never retried here; a failed task write is returned as *shared.StoreError.
func (ne *NodeExecutor) Execute(ctx context.Context, runID string, node shared.Node, ec *shared.ExecutionContext) (NodeResult, error) {
	ctx, span := ne.tracer.Start(ctx, "node "+node.ID, trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("node.id", node.ID),
		attribute.String("node.type", node.Type),
	))
	defer span.End()

	bookkeeping := context.WithoutCancel(ctx)
	started := ne.now()
	task := shared.Task{
		ID:           ne.newID(),
		RunID:        runID,
		NodeID:       node.ID,
		Status:       shared.TaskStatusRunning,
		AttemptCount: 1,
		StartedAt:    &started,
	}
	if err := ne.tasks.CreateTask(bookkeeping, task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create task")
		return NodeResult{NodeID: node.ID}, &shared.StoreError{Op: "create task for node " + node.ID, Err: err}
	}

	ne.logger.Info("Executing node",
		zap.String("runID", runID),
		zap.String("nodeID", node.ID),
		zap.String("type", node.Type),
		zap.String("taskID", task.ID))

	output, err := ne.dispatcher.Dispatch(ctx, node.Type, node.Config, ec)
	if err == nil {
		err = ec.Set(node.ID, output)
	}
	result := NodeResult{TaskID: task.ID, NodeID: node.ID, Duration: ne.now().Sub(started)}

	if err != nil {
		if storeErr := ne.finishTask(bookkeeping, task.ID, shared.TaskStatusFailed, map[string]interface{}{"error": err.Error()}); storeErr != nil {
			span.RecordError(storeErr)
			span.SetStatus(codes.Error, "finish task")
			return result, storeErr
		}
		ne.logger.Error("Node failed",
			zap.String("runID", runID),
			zap.String("nodeID", node.ID),
			zap.String("errorType", ErrorType(err)),
			zap.Duration("duration", result.Duration),
			zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, &shared.NodeError{NodeID: node.ID, Err: err}
	}

	// read back the normalized value so the task log matches the context
	stored := ec.Snapshot()[node.ID].Output
	result.Output = stored
	if err := ne.finishTask(bookkeeping, task.ID, shared.TaskStatusSuccess, map[string]interface{}{"output": stored}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "finish task")
		return result, err
	}
	ne.logger.Info("Node completed",
		zap.String("runID", runID),
		zap.String("nodeID", node.ID),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func (ne *NodeExecutor) finishTask(ctx context.Context, taskID string, status shared.TaskStatus, logs map[string]interface{}) error {
	raw, err := json.Marshal(logs)
	if err != nil {
		raw, _ = json.Marshal(map[string]interface{}{"error": err.Error()})
	}
	if err := ne.tasks.FinishTask(ctx, taskID, status, raw); err != nil {
		ne.logger.Error("Failed to record task result",
			zap.String("taskID", taskID),
			zap.String("status", string(status)),
			zap.Error(err))
		return &shared.StoreError{Op: "finish task " + taskID, Err: err}
	}
	return nil
}

// ErrorType classifies a node failure for logs and spans
func ErrorType(err error) string {
	var (
		timeout   *shared.TimeoutError
		tmpl      *shared.TemplateError
		connector *shared.ConnectorError
	)
	switch {
	case errors.Is(err, shared.ErrUnknownNodeType):
		return "unknown_node_type"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &tmpl):
		return "template"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &connector):
		return "connector"
	default:
		return "unknown_error"
	}
}
