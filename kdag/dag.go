package kdag

import (
	"slices"

	"github.com/birdayz/dagstream/krecord"
)

// DAG is a validated, immutable processing graph.
type DAG struct {
	graph    *Graph
	order    []NodeID
	inEdges  map[NodeID][]EdgeID
	outEdges map[Endpoint][]EdgeID
}

func newDAG(g *Graph) *DAG {
	d := &DAG{
		graph:    g,
		inEdges:  make(map[NodeID][]EdgeID, len(g.Nodes)),
		outEdges: make(map[Endpoint][]EdgeID, len(g.Edges)),
	}
	for _, e := range g.Edges {
		d.inEdges[e.To.Node] = append(d.inEdges[e.To.Node], e.ID)
		d.outEdges[e.From] = append(d.outEdges[e.From], e.ID)
	}
	// Validate already rejected cycles, so the sort cannot fail here.
	d.order, _ = g.topologicalSort()
	return d
}

// Nodes returns all nodes in registration order.
func (d *DAG) Nodes() []*Node {
	nodes := make([]*Node, len(d.graph.NodeOrder))
	for i, id := range d.graph.NodeOrder {
		nodes[i] = d.graph.Nodes[id]
	}
	return nodes
}

func (d *DAG) Node(id NodeID) (*Node, bool) {
	n, ok := d.graph.Nodes[id]
	return n, ok
}

func (d *DAG) Len() int {
	return len(d.graph.Nodes)
}

// Edges returns all edges ordered by EdgeID.
func (d *DAG) Edges() []Edge {
	edges := make([]Edge, len(d.graph.Edges))
	for i, e := range d.graph.Edges {
		edges[i] = *e
	}
	return edges
}

func (d *DAG) Edge(id EdgeID) Edge {
	return *d.graph.Edges[id]
}

// InEdges returns the edges feeding the input ports of a node.
func (d *DAG) InEdges(id NodeID) []EdgeID {
	return slices.Clone(d.inEdges[id])
}

// OutEdges returns the edges leaving one output port of a node.
func (d *DAG) OutEdges(id NodeID, port krecord.PortID) []EdgeID {
	return slices.Clone(d.outEdges[At(id, port)])
}

func (d *DAG) Sources() []NodeID { return d.ofType(NodeTypeSource) }

func (d *DAG) Processors() []NodeID { return d.ofType(NodeTypeProcessor) }

func (d *DAG) Sinks() []NodeID { return d.ofType(NodeTypeSink) }

func (d *DAG) ofType(t NodeType) []NodeID {
	var ids []NodeID
	for _, id := range d.graph.NodeOrder {
		if d.graph.Nodes[id].Type == t {
			ids = append(ids, id)
		}
	}
	return ids
}

// TopologicalOrder returns a deterministic topological ordering of the
// node ids. The engine does not schedule by it; it is used for logging and
// diagnostics.
func (d *DAG) TopologicalOrder() []NodeID {
	return slices.Clone(d.order)
}

// GetGraph returns the underlying graph for read-only access.
func (d *DAG) GetGraph() *Graph {
	return d.graph
}
