package shared

import (
	"encoding/json"
	"time"
)

// TriggerType defines how a workflow is started
type TriggerType string

const (
	TriggerManual  TriggerType = "manual"
	TriggerCron    TriggerType = "cron"
	TriggerWebhook TriggerType = "webhook"
)

// Trigger describes what starts a workflow. The engine never evaluates it.
type Trigger struct {
	Type   TriggerType            `json:"type" yaml:"type"`
	Cron   string                 `json:"cron,omitempty" yaml:"cron,omitempty"`
	Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// Node represents a single step in the workflow graph
type Node struct {
	ID     string                 `json:"id" yaml:"id"`
	Type   string                 `json:"type" yaml:"type"`
	Name   string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Config map[string]interface{} `json:"config" yaml:"config"`
}

// Edge is an ordered (from, to) pair of node ids. It is encoded as a
// two-element array, e.g. ["n1", "n2"].
type Edge [2]string

func (e Edge) From() string { return e[0] }
func (e Edge) To() string   { return e[1] }

// Graph is the immutable snapshot of a workflow handed to the engine
type Graph struct {
	Trigger Trigger `json:"trigger" yaml:"trigger"`
	Nodes   []Node  `json:"nodes" yaml:"nodes"`
	Edges   []Edge  `json:"edges,omitempty" yaml:"edges,omitempty"`
}

// RunStatus defines the lifecycle state of a workflow run
type RunStatus string

const (
	RunStatusPending RunStatus = "pending"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

// TaskStatus defines the lifecycle state of a single node execution attempt
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusSuccess TaskStatus = "success"
	TaskStatusFailed  TaskStatus = "failed"
)

// Run is one execution attempt of an entire workflow graph
type Run struct {
	ID            string          `json:"id"`
	WorkflowID    string          `json:"workflowId"`
	Status        RunStatus       `json:"runStatus"`
	InputPayload  json.RawMessage `json:"inputPayload,omitempty"`
	ResultSummary json.RawMessage `json:"resultSummary,omitempty"`
	StartedAt     *time.Time      `json:"startedAt,omitempty"`
	FinishedAt    *time.Time      `json:"finishedAt,omitempty"`
}

// Task is one execution attempt of a single node within a run
type Task struct {
	ID           string          `json:"id"`
	RunID        string          `json:"workflowRunId"`
	NodeID       string          `json:"nodeId"`
	Status       TaskStatus      `json:"taskStatus"`
	AttemptCount int             `json:"attemptCount"`
	Logs         json.RawMessage `json:"logs,omitempty"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
}

// Job is the queue envelope for "execute this run". The broker owns its
// durability; the engine never persists it.
type Job struct {
	RunID      string `json:"runId"`
	WorkflowID string `json:"workflowId"`
	Graph      Graph  `json:"graph"`
}

// DeadLetter records a job the queue gave up on after its final attempt
type DeadLetter struct {
	Job      Job       `json:"job"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}
