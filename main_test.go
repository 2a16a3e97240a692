package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"flow-runner/config"
	"flow-runner/connectors"
	"flow-runner/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(config.LogConfig{Development: false, Level: "warn"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	_, err = newLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestRegistryWiresEveryConnector(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	cfg, err := config.Load("")
	require.NoError(t, err)
	a := &app{cfg: cfg, logger: zaptest.NewLogger(t)}

	r := a.registry()
	assert.ElementsMatch(t, []string{
		connectors.TypeEmail,
		connectors.TypeHTTPFetch,
		connectors.TypeHTTPPost,
		connectors.TypeLLM,
		connectors.TypeTransform,
	}, r.Types())
	assert.Equal(t, cfg.Engine.ConnectorTimeout, r.Timeout())

	_, err = r.Dispatch(context.Background(), connectors.TypeEmail, map[string]interface{}{
		"to": "ops@example.com", "subject": "hi", "body": "hello",
	}, shared.NewExecutionContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email: no mailer configured")
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATABASE_URL", filepath.Join(dir, "runs.db"))
	graph := filepath.Join(dir, "double.yaml")
	require.NoError(t, os.WriteFile(graph, []byte(`
trigger: {type: manual}
nodes:
  - {id: n1, type: transform, config: {expression: "{ value = 21 }"}}
  - {id: n2, type: transform, config: {expression: "n1.output.value * 2"}}
edges: [[n1, n2]]
`), 0o644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"run", graph})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))

	var run shared.Run
	require.NoError(t, json.Unmarshal(out.Bytes(), &run))
	assert.Equal(t, shared.RunStatusSuccess, run.Status)
	assert.Equal(t, "double", run.WorkflowID)

	var summary struct {
		NodesExecuted int                          `json:"nodes_executed"`
		Context       map[string]shared.NodeOutput `json:"context"`
	}
	require.NoError(t, json.Unmarshal(run.ResultSummary, &summary))
	assert.Equal(t, 2, summary.NodesExecuted)
	assert.Equal(t, float64(42), summary.Context["n2"].Output)
}
