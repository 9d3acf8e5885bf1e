package kprocessor

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/birdayz/dagstream/krecord"
)

// NodeContext is handed to a node once, before any operation is delivered.
type NodeContext interface {
	// NodeID returns the stable id of the node in the graph.
	NodeID() string

	Logger() logr.Logger

	// InputSchema returns the schema bound to an input port.
	InputSchema(port krecord.PortID) (krecord.Schema, bool)

	// OutputSchema returns the schema bound to an output port.
	OutputSchema(port krecord.PortID) (krecord.Schema, bool)
}

// Forwarder sends operations to the edges connected to an output port.
// Forward blocks while a downstream channel is full.
type Forwarder interface {
	Forward(ctx context.Context, port krecord.PortID, op krecord.Operation) error
}

// Processor transforms operations received on its input ports into zero or
// more operations on its output ports. A Processor is driven by exactly one
// goroutine and never has to synchronize internally.
type Processor interface {
	Init(NodeContext) error
	Process(ctx context.Context, in krecord.PortID, op krecord.Operation, out Forwarder) error
	Close() error
}

// Sink is the terminal role of a graph. Commit may be called again for
// operations of an epoch that was never committed, so implementations must
// tolerate replay.
type Sink interface {
	Init(NodeContext) error
	Commit(ctx context.Context, in krecord.PortID, op krecord.Operation) error

	// OnEpochCommitted is called once the sink has aligned on the barrier
	// of epoch. Every operation committed before the call belongs to
	// an epoch less than or equal to epoch.
	OnEpochCommitted(ctx context.Context, epoch uint64) error

	Close() error
}

// Stateful is implemented by processors and sinks that carry state across
// operations. Nodes without it checkpoint an empty blob.
type Stateful interface {
	Snapshot() ([]byte, error)
	Restore(blob []byte) error
}

// Flusher is implemented by processors that buffer output. Flush is called
// right before a barrier is forwarded and when all inputs have closed.
type Flusher interface {
	Flush(ctx context.Context, out Forwarder) error
}
