package engine

import (
	"container/heap"
	"fmt"

	"flow-runner/shared"
	"go.uber.org/zap"
)

// Ordering selects how the nodes of a graph are sequenced
type Ordering string

const (
	// OrderingTopological honours edges; nodes without a relative
	// constraint keep their declared order.
	OrderingTopological Ordering = "topological"
	// OrderingDeclared runs nodes in array order and treats edges as
	// documentation. Edges are still validated.
	OrderingDeclared Ordering = "declared"
)

// ParseOrdering maps a config value to an Ordering; empty means topological.
func ParseOrdering(s string) (Ordering, error) {
	switch Ordering(s) {
	case "", OrderingTopological:
		return OrderingTopological, nil
	case OrderingDeclared:
		return OrderingDeclared, nil
	default:
		return "", fmt.Errorf("unknown node ordering %q", s)
	}
}

// DependencyManager indexes a graph's nodes and edges by declared position
type DependencyManager struct {
	nodes    []shared.Node
	index    map[string]int
	outgoing [][]int
	indeg    []int
	logger   *zap.Logger
}

// NewDependencyManager validates node ids and edges. Duplicate or empty ids
// and edges naming unknown nodes are reported as *shared.GraphError.
func NewDependencyManager(graph shared.Graph, logger *zap.Logger) (*DependencyManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dm := &DependencyManager{
		nodes:    graph.Nodes,
		index:    make(map[string]int, len(graph.Nodes)),
		outgoing: make([][]int, len(graph.Nodes)),
		indeg:    make([]int, len(graph.Nodes)),
		logger:   logger,
	}

	for i, node := range graph.Nodes {
		if node.ID == "" {
			return nil, &shared.GraphError{Reason: fmt.Sprintf("node at index %d has an empty id", i)}
		}
		if _, dup := dm.index[node.ID]; dup {
			return nil, &shared.GraphError{Reason: fmt.Sprintf("duplicate node id %q", node.ID)}
		}
		dm.index[node.ID] = i
	}

	seen := make(map[[2]int]bool, len(graph.Edges))
	for _, edge := range graph.Edges {
		from, ok := dm.index[edge.From()]
		if !ok {
			return nil, &shared.GraphError{Reason: fmt.Sprintf("edge references unknown node %q", edge.From())}
		}
		to, ok := dm.index[edge.To()]
		if !ok {
			return nil, &shared.GraphError{Reason: fmt.Sprintf("edge references unknown node %q", edge.To())}
		}
		if seen[[2]int{from, to}] {
			continue
		}
		seen[[2]int{from, to}] = true
		dm.outgoing[from] = append(dm.outgoing[from], to)
		dm.indeg[to]++
	}

	logger.Debug("Dependency graph built",
		zap.Int("totalNodes", len(graph.Nodes)),
		zap.Int("totalEdges", len(seen)))
	return dm, nil
}

// Order returns the nodes in execution order. A cycle yields
// *shared.CyclicGraphError in either mode.
func (dm *DependencyManager) Order(mode Ordering) ([]shared.Node, error) {
	order := dm.topoOrderIndices()
	if len(order) != len(dm.nodes) {
		return nil, &shared.CyclicGraphError{Cycle: dm.findCycle()}
	}
	if mode == OrderingDeclared {
		out := make([]shared.Node, len(dm.nodes))
		copy(out, dm.nodes)
		return out, nil
	}

	out := make([]shared.Node, 0, len(order))
	for _, i := range order {
		out = append(out, dm.nodes[i])
	}
	return out, nil
}

// Dependencies returns the ids of the nodes with an edge into nodeID
func (dm *DependencyManager) Dependencies(nodeID string) []string {
	target, ok := dm.index[nodeID]
	if !ok {
		return nil
	}
	var deps []string
	for from, tos := range dm.outgoing {
		for _, to := range tos {
			if to == target {
				deps = append(deps, dm.nodes[from].ID)
			}
		}
	}
	return deps
}

type intMinHeap []int

func (h intMinHeap) Len() int            { return len(h) }
func (h intMinHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x interface{}) { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrderIndices is Kahn's algorithm with a min-heap on declared index, so
// ready nodes always run in the order they were declared.
func (dm *DependencyManager) topoOrderIndices() []int {
	indeg := make([]int, len(dm.indeg))
	copy(indeg, dm.indeg)

	ready := &intMinHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range dm.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// findCycle returns one cycle as node ids, first id repeated at the end
func (dm *DependencyManager) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(dm.nodes))
	parent := make([]int, len(dm.nodes))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range dm.outgoing[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// back edge u -> v; walk parents from u up to v
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := range dm.nodes {
		if color[i] == white && dfs(i) {
			break
		}
	}

	out := make([]string, 0, len(cycle))
	for i := len(cycle) - 1; i >= 0; i-- {
		out = append(out, dm.nodes[cycle[i]].ID)
	}
	return out
}
