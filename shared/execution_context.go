package shared

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ohler55/ojg/jp"
)

// NodeOutput is the value recorded for a completed node
type NodeOutput struct {
	Output interface{} `json:"output"`
}

// ExecutionContext accumulates node outputs for exactly one run. Entries are
// write-once and only ever read by nodes executed later, so it carries no lock:
// nodes within a run never execute concurrently.
type ExecutionContext struct {
	outputs map[string]NodeOutput
	order   []string
}

// NewExecutionContext creates an empty context for a single run
func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{outputs: make(map[string]NodeOutput)}
}

// Set records the output of nodeID. Outputs are normalized to plain JSON data
// (maps, slices, strings, float64, bool, nil) so every reader sees the same
// shape the run summary is stored in.
func (c *ExecutionContext) Set(nodeID string, output interface{}) error {
	if _, exists := c.outputs[nodeID]; exists {
		return fmt.Errorf("%w: %s", ErrOutputExists, nodeID)
	}
	normalized, err := normalize(output)
	if err != nil {
		return fmt.Errorf("output of node %s is not plain data: %w", nodeID, err)
	}
	c.outputs[nodeID] = NodeOutput{Output: normalized}
	c.order = append(c.order, nodeID)
	return nil
}

// Get reads a dotted path such as "n1.output.items.0.name". A path that does
// not resolve returns (nil, false); it is never an error.
func (c *ExecutionContext) Get(path string) (interface{}, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	if _, ok := c.outputs[segments[0]]; !ok {
		return nil, false
	}

	x := make(jp.Expr, 0, len(segments))
	for _, seg := range segments {
		if seg == "" {
			return nil, false
		}
		if i, err := strconv.Atoi(seg); err == nil {
			x = append(x, jp.Nth(i))
			continue
		}
		x = append(x, jp.Child(seg))
	}

	results := x.Get(c.Data())
	if len(results) == 0 {
		return nil, false
	}
	return results[0], true
}

// Len returns the number of recorded outputs
func (c *ExecutionContext) Len() int {
	return len(c.outputs)
}

// NodeIDs returns recorded node ids in completion order
func (c *ExecutionContext) NodeIDs() []string {
	ids := make([]string, len(c.order))
	copy(ids, c.order)
	return ids
}

// Data returns the context as a generic document: {nodeID: {"output": value}}.
func (c *ExecutionContext) Data() map[string]interface{} {
	data := make(map[string]interface{}, len(c.outputs))
	for id, out := range c.outputs {
		data[id] = map[string]interface{}{"output": out.Output}
	}
	return data
}

// Snapshot returns a copy of the recorded outputs keyed by node id
func (c *ExecutionContext) Snapshot() map[string]NodeOutput {
	snapshot := make(map[string]NodeOutput, len(c.outputs))
	for id, out := range c.outputs {
		snapshot[id] = out
	}
	return snapshot
}

func normalize(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
