package shared

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnknownNodeType is matched by UnknownNodeTypeError via errors.Is.
	ErrUnknownNodeType = errors.New("unknown node type")
	// ErrOutputExists is returned when a node id is written twice into one execution context.
	ErrOutputExists = errors.New("output already recorded for node")
	// ErrRunNotFound is returned by stores when the run row does not exist.
	ErrRunNotFound = errors.New("workflow run not found")
	// ErrRunFinished is returned when a transition is attempted on a terminal run.
	ErrRunFinished = errors.New("workflow run already finished")
)

// UnknownNodeTypeError is returned when dispatching a type with no registered connector
type UnknownNodeTypeError struct {
	Type string
}

func (e *UnknownNodeTypeError) Error() string {
	return fmt.Sprintf("Unknown node type: %s", e.Type)
}

func (e *UnknownNodeTypeError) Is(target error) bool {
	return target == ErrUnknownNodeType
}

// ConnectorError wraps the underlying I/O or service failure of a connector.
// Its message is the cause's message so it can be surfaced verbatim.
type ConnectorError struct {
	Connector string
	Err       error
}

func (e *ConnectorError) Error() string {
	if e.Err == nil {
		return e.Connector + " connector failed"
	}
	return e.Err.Error()
}

func (e *ConnectorError) Unwrap() error { return e.Err }

// TimeoutError is returned when a connector does not finish within its bound
type TimeoutError struct {
	Connector string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s connector timed out after %s", e.Connector, e.After)
}

// TemplateError reports malformed placeholder syntax. Missing references are
// never reported; they resolve to an empty string.
type TemplateError struct {
	Template string
	Offset   int
	Reason   string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template resolution failed at offset %d: %s", e.Offset, e.Reason)
}

// CyclicGraphError is returned when the edges of a graph contain a cycle
type CyclicGraphError struct {
	Cycle []string
}

func (e *CyclicGraphError) Error() string {
	if len(e.Cycle) == 0 {
		return "workflow graph contains a cycle"
	}
	return "workflow graph contains a cycle: " + strings.Join(e.Cycle, " -> ")
}

// GraphError reports a structurally invalid graph (duplicate or dangling ids)
type GraphError struct {
	Reason string
}

func (e *GraphError) Error() string {
	return "invalid workflow graph: " + e.Reason
}

// NodeError is returned by the node executor when a node fails
type NodeError struct {
	NodeID string
	Err    error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s failed: %v", e.NodeID, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// QueueDeliveryError is a transient failure of the job handler. The queue
// retries it until the attempt cap is reached.
type QueueDeliveryError struct {
	RunID    string
	Attempts int
	Err      error
}

func (e *QueueDeliveryError) Error() string {
	return fmt.Sprintf("delivery of run %s failed after %d attempt(s): %v", e.RunID, e.Attempts, e.Err)
}

func (e *QueueDeliveryError) Unwrap() error { return e.Err }

// StoreError is a failed run or task write. It is an infrastructure failure:
// the job is redelivered and the run gets no terminal status from it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
