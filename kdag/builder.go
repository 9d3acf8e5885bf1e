package kdag

import (
	"errors"
	"fmt"

	"github.com/birdayz/dagstream/kconnector"
	"github.com/birdayz/dagstream/kprocessor"
	"github.com/birdayz/dagstream/krecord"
)

// Builder constructs a processing DAG.
//
// IMPORTANT: Builder is NOT safe for concurrent use. All registration
// methods must be called from a single goroutine. The resulting DAG
// is immutable and safe to use concurrently.
type Builder struct {
	graph *Graph
}

// NewBuilder creates a new DAG builder.
func NewBuilder() *Builder {
	return &Builder{
		graph: NewGraph(),
	}
}

// EdgeOption configures an edge added with Connect.
type EdgeOption func(*Edge)

// WithCapacity overrides the channel capacity of a single edge.
func WithCapacity(n int) EdgeOption {
	return func(e *Edge) {
		e.Capacity = n
	}
}

// AddSource adds a source node fed by connector src.
func (b *Builder) AddSource(id NodeID, src kconnector.Connector, outputs ...Port) error {
	if src == nil {
		return fmt.Errorf("%w: source %s has no connector", ErrInvalidTopology, id)
	}
	return b.graph.AddNode(&Node{
		ID:      id,
		Type:    NodeTypeSource,
		Outputs: clonePorts(outputs),
		Source:  src,
	})
}

// AddProcessor adds a processor node.
func (b *Builder) AddProcessor(id NodeID, p kprocessor.Processor, inputs, outputs []Port) error {
	if p == nil {
		return fmt.Errorf("%w: processor %s is nil", ErrInvalidTopology, id)
	}
	return b.graph.AddNode(&Node{
		ID:        id,
		Type:      NodeTypeProcessor,
		Inputs:    clonePorts(inputs),
		Outputs:   clonePorts(outputs),
		Processor: p,
	})
}

// AddSink adds a sink node.
func (b *Builder) AddSink(id NodeID, s kprocessor.Sink, inputs ...Port) error {
	if s == nil {
		return fmt.Errorf("%w: sink %s is nil", ErrInvalidTopology, id)
	}
	return b.graph.AddNode(&Node{
		ID:     id,
		Type:   NodeTypeSink,
		Inputs: clonePorts(inputs),
		Sink:   s,
	})
}

// Connect adds an edge from an output port to an input port.
func (b *Builder) Connect(from, to Endpoint, opts ...EdgeOption) error {
	var cfg Edge
	for _, opt := range opts {
		opt(&cfg)
	}
	if _, err := b.graph.AddEdge(from, to, cfg.Capacity); err != nil {
		return fmt.Errorf("cannot connect %s -> %s: %w", from, to, err)
	}
	return nil
}

// DeclareCompatible allows edges from ports of schema out into ports of
// schema in, as long as the field types line up.
func (b *Builder) DeclareCompatible(out, in krecord.SchemaID) {
	b.graph.Compatible[[2]krecord.SchemaID{out, in}] = struct{}{}
}

// Build validates and finalizes the DAG.
func (b *Builder) Build() (*DAG, error) {
	if err := b.graph.Validate(); err != nil {
		return nil, err
	}
	return newDAG(b.graph), nil
}

// MustBuild is like Build but panics on error.
func (b *Builder) MustBuild() *DAG {
	dag, err := b.Build()
	if err != nil {
		panic(err)
	}
	return dag
}

// GetGraph returns the underlying graph for read-only access.
func (b *Builder) GetGraph() *Graph {
	return b.graph
}

// GetNode returns a node by ID if it exists.
func (b *Builder) GetNode(id NodeID) (*Node, bool) {
	node, ok := b.graph.Nodes[id]
	return node, ok
}

// Must panics if err is not nil. It keeps graph setup code in tests and
// examples short.
func Must(err error) {
	if err != nil {
		panic(err)
	}
}

func clonePorts(ports []Port) []Port {
	res := make([]Port, len(ports))
	for i, p := range ports {
		res[i] = Port{ID: p.ID, Schema: p.Schema.Clone()}
	}
	return res
}

// Sentinel errors for common failure cases.
var (
	ErrNodeAlreadyExists = errors.New("node already exists")
	ErrNodeNotFound      = errors.New("node not found")
	ErrPortNotFound      = errors.New("port not found")
	ErrPortFanIn         = errors.New("input port has more than one incoming edge")
	ErrUnconnectedPort   = errors.New("port is not connected")
	ErrCycleDetected     = errors.New("cycle detected in DAG")
	ErrOrphanedNodes     = errors.New("orphaned nodes found")
	ErrInvalidNodeID     = errors.New("invalid node ID")
	ErrSchemaMismatch    = errors.New("schema mismatch")
	ErrInvalidTopology   = errors.New("invalid topology")
)
