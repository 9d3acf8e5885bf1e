package kdag

import (
	"fmt"
	"slices"
	"strings"

	"github.com/birdayz/dagstream/kconnector"
	"github.com/birdayz/dagstream/kprocessor"
	"github.com/birdayz/dagstream/krecord"
)

// NodeID is a strongly-typed identifier for graph nodes.
// NodeIDs must be non-empty and cannot contain whitespace.
type NodeID string

// Validate checks if the NodeID is valid.
// Returns ErrInvalidNodeID if the ID is empty or contains whitespace.
func (id NodeID) Validate() error {
	if id == "" {
		return fmt.Errorf("%w: NodeID cannot be empty", ErrInvalidNodeID)
	}
	if strings.ContainsAny(string(id), " \t\n\r") {
		return fmt.Errorf("%w: NodeID %q cannot contain whitespace", ErrInvalidNodeID, id)
	}
	return nil
}

// NodeType represents the kind of node in the DAG
type NodeType int

const (
	NodeTypeSource NodeType = iota
	NodeTypeProcessor
	NodeTypeSink
)

func (t NodeType) String() string {
	switch t {
	case NodeTypeSource:
		return "Source"
	case NodeTypeProcessor:
		return "Processor"
	case NodeTypeSink:
		return "Sink"
	default:
		return "Unknown"
	}
}

// Port is a typed input or output of a node.
type Port struct {
	ID     krecord.PortID
	Schema krecord.Schema
}

// Endpoint addresses a port of a node.
type Endpoint struct {
	Node NodeID
	Port krecord.PortID
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Node, e.Port)
}

// At is shorthand for Endpoint{Node: node, Port: port}.
func At(node NodeID, port krecord.PortID) Endpoint {
	return Endpoint{Node: node, Port: port}
}

// EdgeID indexes an edge in the graph's edge arena.
type EdgeID int

// Edge connects exactly one output port to exactly one input port.
type Edge struct {
	ID   EdgeID
	From Endpoint
	To   Endpoint

	// Capacity bounds the channel backing the edge. Zero selects the
	// engine default.
	Capacity int
}

// Node is the build-time representation of a node in the DAG.
// Exactly one of Source, Processor and Sink is set, matching Type.
type Node struct {
	ID   NodeID
	Type NodeType

	Inputs  []Port
	Outputs []Port

	Source    kconnector.Connector
	Processor kprocessor.Processor
	Sink      kprocessor.Sink

	// Parent nodes (incoming)
	Parents []NodeID

	// Child nodes (outgoing)
	Children []NodeID
}

// Input returns the input port with the given id.
func (n *Node) Input(id krecord.PortID) (Port, bool) {
	return findPort(n.Inputs, id)
}

// Output returns the output port with the given id.
func (n *Node) Output(id krecord.PortID) (Port, bool) {
	return findPort(n.Outputs, id)
}

func findPort(ports []Port, id krecord.PortID) (Port, bool) {
	for _, p := range ports {
		if p.ID == id {
			return p, true
		}
	}
	return Port{}, false
}

// Graph is the build-time DAG representation.
// It contains only structural information - no runtime behavior.
type Graph struct {
	Nodes map[NodeID]*Node

	// Edges is the edge arena. An edge's ID is its index.
	Edges []*Edge

	// Schema pairs (output, input) declared compatible despite differing.
	Compatible map[[2]krecord.SchemaID]struct{}

	// Deterministic node ordering (insertion order)
	NodeOrder []NodeID
}

// NewGraph creates a new empty graph.
func NewGraph() *Graph {
	return &Graph{
		Nodes:      make(map[NodeID]*Node),
		Compatible: make(map[[2]krecord.SchemaID]struct{}),
		NodeOrder:  make([]NodeID, 0),
	}
}

// AddNode adds a node to the graph.
func (g *Graph) AddNode(node *Node) error {
	if err := node.ID.Validate(); err != nil {
		return err
	}
	if _, exists := g.Nodes[node.ID]; exists {
		return fmt.Errorf("%w: %s", ErrNodeAlreadyExists, node.ID)
	}
	if err := validatePorts(node.ID, "input", node.Inputs); err != nil {
		return err
	}
	if err := validatePorts(node.ID, "output", node.Outputs); err != nil {
		return err
	}
	g.Nodes[node.ID] = node
	g.NodeOrder = append(g.NodeOrder, node.ID)
	return nil
}

func validatePorts(id NodeID, kind string, ports []Port) error {
	seen := make(map[krecord.PortID]struct{}, len(ports))
	for _, p := range ports {
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("%w: node %s declares %s port %d twice", ErrInvalidTopology, id, kind, p.ID)
		}
		seen[p.ID] = struct{}{}
		if err := p.Schema.Validate(); err != nil {
			return fmt.Errorf("node %s %s port %d: %w", id, kind, p.ID, err)
		}
	}
	return nil
}

// AddEdge adds a directed edge from an output port to an input port.
func (g *Graph) AddEdge(from, to Endpoint, capacity int) (EdgeID, error) {
	if capacity < 0 {
		return 0, fmt.Errorf("%w: negative capacity %d on %s -> %s", ErrInvalidTopology, capacity, from, to)
	}
	if err := g.checkEndpoints(from, to); err != nil {
		return 0, err
	}

	id := EdgeID(len(g.Edges))
	g.Edges = append(g.Edges, &Edge{ID: id, From: from, To: to, Capacity: capacity})

	parent, child := g.Nodes[from.Node], g.Nodes[to.Node]
	if !slices.Contains(parent.Children, to.Node) {
		parent.Children = append(parent.Children, to.Node)
	}
	if !slices.Contains(child.Parents, from.Node) {
		child.Parents = append(child.Parents, from.Node)
	}
	return id, nil
}

func (g *Graph) checkEndpoints(from, to Endpoint) error {
	parent, ok := g.Nodes[from.Node]
	if !ok {
		return fmt.Errorf("%w: edge source %s", ErrNodeNotFound, from.Node)
	}
	child, ok := g.Nodes[to.Node]
	if !ok {
		return fmt.Errorf("%w: edge target %s", ErrNodeNotFound, to.Node)
	}
	if _, ok := parent.Output(from.Port); !ok {
		return fmt.Errorf("%w: %s has no output port %d", ErrPortNotFound, from.Node, from.Port)
	}
	if _, ok := child.Input(to.Port); !ok {
		return fmt.Errorf("%w: %s has no input port %d", ErrPortNotFound, to.Node, to.Port)
	}
	return nil
}
