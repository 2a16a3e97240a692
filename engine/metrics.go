package engine

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RunMetrics collects timings for one run. Nodes of a run execute one at a
// time, so it carries no lock.
type RunMetrics struct {
	TotalNodes        int
	CompletedNodes    int
	FailedNodes       int
	StartTime         time.Time
	EndTime           time.Time
	ExecutionDuration time.Duration
	NodeDurations     map[string]time.Duration
}

func NewRunMetrics(totalNodes int, now time.Time) *RunMetrics {
	return &RunMetrics{
		TotalNodes:    totalNodes,
		StartTime:     now,
		NodeDurations: make(map[string]time.Duration),
	}
}

func (m *RunMetrics) RecordNodeCompletion(nodeID string, d time.Duration) {
	m.CompletedNodes++
	m.NodeDurations[nodeID] = d
}

func (m *RunMetrics) RecordNodeFailed(nodeID string, d time.Duration) {
	m.FailedNodes++
	m.NodeDurations[nodeID] = d
}

// Finish stamps the end of the run
func (m *RunMetrics) Finish(now time.Time) {
	m.EndTime = now
	m.ExecutionDuration = now.Sub(m.StartTime)
}

// CompletionPercentage is the share of nodes that finished successfully
func (m *RunMetrics) CompletionPercentage() float64 {
	if m.TotalNodes == 0 {
		return 100.0
	}
	return float64(m.CompletedNodes) / float64(m.TotalNodes) * 100.0
}

func (m *RunMetrics) AverageNodeDuration() time.Duration {
	if len(m.NodeDurations) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range m.NodeDurations {
		total += d
	}
	return total / time.Duration(len(m.NodeDurations))
}

// Log writes the metrics at the given level
func (m *RunMetrics) Log(logger *zap.Logger, level zapcore.Level, runID string) {
	logger.Log(level, "Run execution metrics",
		zap.String("runID", runID),
		zap.Int("totalNodes", m.TotalNodes),
		zap.Int("completed", m.CompletedNodes),
		zap.Int("failed", m.FailedNodes),
		zap.Float64("completionPct", m.CompletionPercentage()),
		zap.Duration("executionDuration", m.ExecutionDuration),
		zap.Duration("avgNodeDuration", m.AverageNodeDuration()),
	)
}
