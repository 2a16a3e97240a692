package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"flow-runner/connectors"
	"flow-runner/shared"
	"flow-runner/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap/zaptest"
)

func TestNodeExecutor_DuplicateOutputFailsTheNode(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.CreateRun(ctx, shared.Run{ID: "r1", WorkflowID: "w1"}))

	registry := connectors.NewRegistry(zaptest.NewLogger(t), connectors.WithConnector("echo",
		connectors.Func(func(context.Context, map[string]interface{}, *shared.ExecutionContext) (interface{}, error) {
			return "v", nil
		})))
	ne := NewNodeExecutor(registry, s, noop.NewTracerProvider().Tracer("test"), zaptest.NewLogger(t))

	ec := shared.NewExecutionContext()
	node := shared.Node{ID: "n1", Type: "echo"}
	res, err := ne.Execute(ctx, "r1", node, ec)
	require.NoError(t, err)
	assert.Equal(t, "v", res.Output)
	assert.NotEmpty(t, res.TaskID)

	_, err = ne.Execute(ctx, "r1", node, ec)
	var nodeErr *shared.NodeError
	require.True(t, errors.As(err, &nodeErr))
	assert.True(t, errors.Is(err, shared.ErrOutputExists))

	tasks, err := s.ListTasks(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, shared.TaskStatusFailed, tasks[1].Status)
}

func TestNodeExecutor_TaskCreateFailure(t *testing.T) {
	registry := connectors.NewRegistry(zaptest.NewLogger(t))
	ne := NewNodeExecutor(registry, store.NewMemoryStore(), noop.NewTracerProvider().Tracer("test"), zaptest.NewLogger(t))

	_, err := ne.Execute(context.Background(), "missing-run", shared.Node{ID: "n1", Type: "echo"}, shared.NewExecutionContext())
	assert.True(t, errors.Is(err, shared.ErrRunNotFound))
}

func TestErrorType(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&shared.UnknownNodeTypeError{Type: "x"}, "unknown_node_type"},
		{&shared.TimeoutError{Connector: "llm", After: time.Second}, "timeout"},
		{&shared.ConnectorError{Connector: "http_fetch", Err: &shared.TemplateError{Reason: "empty"}}, "template"},
		{&shared.ConnectorError{Connector: "http_fetch", Err: context.Canceled}, "canceled"},
		{&shared.ConnectorError{Connector: "http_fetch", Err: errors.New("boom")}, "connector"},
		{errors.New("other"), "unknown_error"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%T", tt.err), func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorType(&shared.NodeError{NodeID: "n1", Err: tt.err}))
		})
	}
}
