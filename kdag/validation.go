package kdag

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/birdayz/dagstream/krecord"
)

// Validation limits to prevent pathological cases
const (
	MaxNodesPerDAG     = 10000
	MaxDepth           = 500
	MaxChildrenPerNode = 1000
)

// Validate performs all topology validations.
// Returns early on first error for better UX.
func (g *Graph) Validate() error {
	// Check size limits
	if len(g.Nodes) > MaxNodesPerDAG {
		return fmt.Errorf("%w: node count %d exceeds maximum %d",
			ErrInvalidTopology, len(g.Nodes), MaxNodesPerDAG)
	}
	if len(g.Nodes) == 0 {
		return fmt.Errorf("DAG validation failed: %w: graph has no nodes", ErrInvalidTopology)
	}

	checks := []func() error{
		// 1. Every node has the shape its role requires
		g.validateRoles,
		// 2. Every edge references existing ports of the right direction
		g.validateEdges,
		// 3. Input ports take one edge, every port is wired
		g.validatePortWiring,
		// 4. Cycle detection using DFS
		g.detectCycles,
		// 5. Edge schemas are identical or declared compatible
		g.validateSchemas,
		// 6. Orphaned nodes (unreachable from sources)
		g.validateNoOrphans,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return fmt.Errorf("DAG validation failed: %w", err)
		}
	}
	return nil
}

func (g *Graph) validateRoles() error {
	for _, id := range g.NodeOrder {
		node := g.Nodes[id]
		switch node.Type {
		case NodeTypeSource:
			if node.Source == nil || len(node.Inputs) > 0 || len(node.Outputs) == 0 {
				return fmt.Errorf("%w: source %s needs a connector, no inputs and at least one output", ErrInvalidTopology, id)
			}
		case NodeTypeProcessor:
			if node.Processor == nil || len(node.Inputs) == 0 || len(node.Outputs) == 0 {
				return fmt.Errorf("%w: processor %s needs at least one input and one output", ErrInvalidTopology, id)
			}
		case NodeTypeSink:
			if node.Sink == nil || len(node.Inputs) == 0 || len(node.Outputs) > 0 {
				return fmt.Errorf("%w: sink %s needs at least one input and no outputs", ErrInvalidTopology, id)
			}
		default:
			return fmt.Errorf("%w: node %s has unknown type %d", ErrInvalidTopology, id, node.Type)
		}
	}
	return nil
}

func (g *Graph) validateEdges() error {
	for i, e := range g.Edges {
		if int(e.ID) != i {
			return fmt.Errorf("%w: edge %d stored at index %d", ErrInvalidTopology, e.ID, i)
		}
		if err := g.checkEndpoints(e.From, e.To); err != nil {
			return fmt.Errorf("edge %s -> %s: %w", e.From, e.To, err)
		}
	}
	return nil
}

func (g *Graph) validatePortWiring() error {
	incoming := make(map[Endpoint]int, len(g.Edges))
	outgoing := make(map[Endpoint]int, len(g.Edges))
	for _, e := range g.Edges {
		incoming[e.To]++
		outgoing[e.From]++
		if incoming[e.To] > 1 {
			return fmt.Errorf("%w: %s", ErrPortFanIn, e.To)
		}
	}
	for _, id := range g.NodeOrder {
		node := g.Nodes[id]
		for _, p := range node.Inputs {
			if incoming[At(id, p.ID)] == 0 {
				return fmt.Errorf("%w: input %s", ErrUnconnectedPort, At(id, p.ID))
			}
		}
		for _, p := range node.Outputs {
			if outgoing[At(id, p.ID)] == 0 {
				return fmt.Errorf("%w: output %s", ErrUnconnectedPort, At(id, p.ID))
			}
		}
	}
	return nil
}

func (g *Graph) validateSchemas() error {
	for _, e := range g.Edges {
		out, _ := g.Nodes[e.From.Node].Output(e.From.Port)
		in, _ := g.Nodes[e.To.Node].Input(e.To.Port)
		if out.Schema.Equal(in.Schema) {
			continue
		}
		if _, declared := g.Compatible[[2]krecord.SchemaID{out.Schema.ID, in.Schema.ID}]; !declared {
			return fmt.Errorf("%w: %s emits schema %s but %s expects %s",
				ErrSchemaMismatch, e.From, out.Schema.ID, e.To, in.Schema.ID)
		}
		if err := out.Schema.CompatibleWith(in.Schema); err != nil {
			return fmt.Errorf("%w: %s -> %s: %w", ErrSchemaMismatch, e.From, e.To, err)
		}
	}
	return nil
}

// detectCycles uses Depth-First Search (DFS) to find cycles in the DAG.
// Returns ErrCycleDetected if any cycle is found.
// Time complexity: O(V + E) where V is vertices and E is edges.
func (g *Graph) detectCycles() error {
	visited := make(map[NodeID]bool, len(g.Nodes))
	recStack := make(map[NodeID]bool, len(g.Nodes))

	var dfs func(NodeID, []NodeID, int) error
	dfs = func(nodeID NodeID, path []NodeID, depth int) error {
		if depth > MaxDepth {
			return fmt.Errorf("%w: maximum depth %d exceeded", ErrInvalidTopology, MaxDepth)
		}

		visited[nodeID] = true
		recStack[nodeID] = true
		path = append(path, nodeID)

		node := g.Nodes[nodeID]
		if len(node.Children) > MaxChildrenPerNode {
			return fmt.Errorf("%w: node %s has %d children, exceeds maximum %d",
				ErrInvalidTopology, nodeID, len(node.Children), MaxChildrenPerNode)
		}

		for _, childID := range node.Children {
			if !visited[childID] {
				if err := dfs(childID, path, depth+1); err != nil {
					return err
				}
			} else if recStack[childID] {
				cyclePath := append(path, childID)
				pathStr := make([]string, len(cyclePath))
				for i, id := range cyclePath {
					pathStr[i] = string(id)
				}
				return fmt.Errorf("%w: %s", ErrCycleDetected, strings.Join(pathStr, " -> "))
			}
		}

		recStack[nodeID] = false
		return nil
	}

	// Insertion order keeps the reported cycle path deterministic
	for _, nodeID := range g.NodeOrder {
		if !visited[nodeID] {
			if err := dfs(nodeID, nil, 0); err != nil {
				return err
			}
		}
	}

	return nil
}

// validateNoOrphans checks that all nodes are reachable from at least one source.
// Returns ErrOrphanedNodes if unreachable nodes are found.
func (g *Graph) validateNoOrphans() error {
	reachable := make(map[NodeID]bool, len(g.Nodes))

	for _, nodeID := range g.NodeOrder {
		if g.Nodes[nodeID].Type == NodeTypeSource {
			g.markReachable(nodeID, reachable)
		}
	}

	var orphans []NodeID
	for nodeID := range g.Nodes {
		if !reachable[nodeID] {
			orphans = append(orphans, nodeID)
		}
	}

	if len(orphans) > 0 {
		slices.Sort(orphans) // Deterministic error message
		orphanStrs := make([]string, len(orphans))
		for i, id := range orphans {
			orphanStrs[i] = string(id)
		}
		return fmt.Errorf("%w (unreachable from sources): %s",
			ErrOrphanedNodes, strings.Join(orphanStrs, ", "))
	}

	return nil
}

// markReachable recursively marks all nodes reachable from the given node.
func (g *Graph) markReachable(nodeID NodeID, reachable map[NodeID]bool) {
	if reachable[nodeID] {
		return // Already visited
	}

	reachable[nodeID] = true
	for _, childID := range g.Nodes[nodeID].Children {
		g.markReachable(childID, reachable)
	}
}

// insertSorted inserts an item into a sorted slice maintaining sort order.
func insertSorted(slice []NodeID, item NodeID) []NodeID {
	idx := sort.Search(len(slice), func(i int) bool {
		return slice[i] >= item
	})
	return slices.Insert(slice, idx, item)
}

// topologicalSort creates a deterministic topological ordering using Kahn's algorithm.
// Time complexity: O(V log V + E) where V is vertices and E is edges.
func (g *Graph) topologicalSort() ([]NodeID, error) {
	inDegree := make(map[NodeID]int, len(g.Nodes))
	for nodeID := range g.Nodes {
		inDegree[nodeID] = 0
	}
	for _, node := range g.Nodes {
		for _, childID := range node.Children {
			inDegree[childID]++
		}
	}

	queue := make([]NodeID, 0, len(g.Nodes)/4)
	for nodeID, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, nodeID)
		}
	}
	slices.Sort(queue)

	result := make([]NodeID, 0, len(g.Nodes))
	for len(queue) > 0 {
		nodeID := queue[0]
		queue = queue[1:]
		result = append(result, nodeID)

		children := slices.Clone(g.Nodes[nodeID].Children)
		slices.Sort(children)

		for _, childID := range children {
			inDegree[childID]--
			if inDegree[childID] == 0 {
				queue = insertSorted(queue, childID)
			}
		}
	}

	if len(result) != len(g.Nodes) {
		return nil, fmt.Errorf("%w: topological sort failed", ErrCycleDetected)
	}

	return result, nil
}
