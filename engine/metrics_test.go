package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRunMetrics(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewRunMetrics(4, start)
	m.RecordNodeCompletion("n1", 100*time.Millisecond)
	m.RecordNodeCompletion("n2", 300*time.Millisecond)
	m.RecordNodeFailed("n3", 200*time.Millisecond)
	m.Finish(start.Add(time.Second))

	assert.Equal(t, 2, m.CompletedNodes)
	assert.Equal(t, 1, m.FailedNodes)
	assert.Equal(t, 50.0, m.CompletionPercentage())
	assert.Equal(t, 200*time.Millisecond, m.AverageNodeDuration())
	assert.Equal(t, time.Second, m.ExecutionDuration)

	core, logs := observer.New(zapcore.InfoLevel)
	m.Log(zap.New(core), zapcore.ErrorLevel, "run-1")
	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "run-1", entries[0].ContextMap()["runID"])
	assert.Equal(t, int64(1), entries[0].ContextMap()["failed"])
}

func TestRunMetrics_Empty(t *testing.T) {
	m := NewRunMetrics(0, time.Now())
	assert.Equal(t, 100.0, m.CompletionPercentage())
	assert.Zero(t, m.AverageNodeDuration())
}
