package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"flow-runner/shared"
	"gopkg.in/yaml.v3"
)

// LoadGraphFromJSON parses a workflow graph document
func LoadGraphFromJSON(data []byte) (shared.Graph, error) {
	var graph shared.Graph
	if err := json.Unmarshal(data, &graph); err != nil {
		return shared.Graph{}, fmt.Errorf("failed to unmarshal workflow graph JSON: %w", err)
	}
	return graph, checkGraph(graph)
}

// LoadGraphFromYAML parses the same document written as YAML. Edges are
// two-element sequences, e.g. `- [n1, n2]`.
func LoadGraphFromYAML(data []byte) (shared.Graph, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return shared.Graph{}, fmt.Errorf("failed to unmarshal workflow graph YAML: %w", err)
	}
	// Round-trip through JSON so configs carry the same value types
	// (float64 numbers, string keys) as a JSON document.
	raw, err := json.Marshal(doc)
	if err != nil {
		return shared.Graph{}, fmt.Errorf("workflow graph YAML is not JSON compatible: %w", err)
	}
	return LoadGraphFromJSON(raw)
}

// LoadGraphFile reads a .json, .yaml or .yml graph document
func LoadGraphFile(path string) (shared.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return shared.Graph{}, fmt.Errorf("failed to read workflow graph: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadGraphFromYAML(data)
	default:
		return LoadGraphFromJSON(data)
	}
}

// checkGraph applies the structural checks that do not need ordering
func checkGraph(graph shared.Graph) error {
	for i, node := range graph.Nodes {
		if node.Type == "" {
			return &shared.GraphError{Reason: fmt.Sprintf("node %q at index %d has no type", node.ID, i)}
		}
	}
	_, err := NewDependencyManager(graph, nil)
	return err
}
