// Package kdag provides the builder and validator for processing graphs.
//
// # Overview
//
// A graph is made of source, processor and sink nodes. Every node declares
// typed ports: sources have outputs only, sinks have inputs only and
// processors have both. Edges connect exactly one output port to exactly
// one input port. An input port accepts at most one edge; merging streams
// is done by a processor with several input ports (see kprocessor.Union),
// never on the wire. An output port may feed several edges, in which case
// every item is delivered to each of them.
//
// # Basic Usage
//
//	import (
//	    "github.com/birdayz/dagstream/kconnector/events"
//	    "github.com/birdayz/dagstream/kdag"
//	    "github.com/birdayz/dagstream/kprocessor"
//	    "github.com/birdayz/dagstream/krecord"
//	    "github.com/birdayz/dagstream/ksink/memory"
//	)
//
//	port := []kdag.Port{{ID: krecord.DefaultPort, Schema: schema}}
//
//	builder := kdag.NewBuilder()
//	kdag.Must(builder.AddSource("src", events.New(), port...))
//	kdag.Must(builder.AddProcessor("filter", kprocessor.Filter(isA), port, port))
//	kdag.Must(builder.AddSink("sink", memory.New(), port...))
//	kdag.Must(builder.Connect(kdag.At("src", 0), kdag.At("filter", 0)))
//	kdag.Must(builder.Connect(kdag.At("filter", 0), kdag.At("sink", 0)))
//
//	dag, err := builder.Build()
//
// # Validation
//
// Build rejects, in this order:
//
//   - nodes whose ports do not match their role
//   - edges referencing unknown nodes or ports (ErrNodeNotFound, ErrPortNotFound)
//   - input ports with more than one edge (ErrPortFanIn) and ports left unwired (ErrUnconnectedPort)
//   - cycles (ErrCycleDetected, with the offending path in the message)
//   - edges whose port schemas are neither identical nor declared compatible
//     with DeclareCompatible (ErrSchemaMismatch)
//   - nodes unreachable from any source (ErrOrphanedNodes)
//
// A graph that fails validation never starts.
//
// # Edge arena
//
// Edges are stored in a slice and addressed by EdgeID. Nodes never hold
// references to each other or to channels; the execution layer allocates
// one channel per EdgeID and hands each node the ids of its edges.
package kdag
