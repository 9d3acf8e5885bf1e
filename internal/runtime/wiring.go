// Package runtime runs the nodes of a DAG. Every node is driven by one
// runner on its own goroutine; runners only talk to each other through
// the channels of the edges between them.
package runtime

import (
	"fmt"

	"github.com/birdayz/dagstream/internal/channel"
	"github.com/birdayz/dagstream/kdag"
)

// Runner drives one node until its work is done.
type Runner interface {
	ID() kdag.NodeID
	Run() error
}

var (
	_ Runner = (*SourceRunner)(nil)
	_ Runner = (*ProcessorRunner)(nil)
	_ Runner = (*SinkRunner)(nil)
)

// Wiring holds one channel per edge of a DAG.
type Wiring struct {
	dag      *kdag.DAG
	channels []*channel.Channel
}

// Wire creates the channels of every edge. Edges without a capacity get
// defaultCapacity.
func Wire(d *kdag.DAG, defaultCapacity int) *Wiring {
	w := &Wiring{dag: d}
	for _, e := range d.Edges() {
		capacity := e.Capacity
		if capacity == 0 {
			capacity = defaultCapacity
		}
		w.channels = append(w.channels, channel.New(capacity))
	}
	return w
}

func (w *Wiring) Channel(id kdag.EdgeID) *channel.Channel {
	return w.channels[id]
}

// Inputs returns the input ports of a node with the channels feeding them.
func (w *Wiring) Inputs(id kdag.NodeID) []Input {
	var inputs []Input
	for _, eid := range w.dag.InEdges(id) {
		inputs = append(inputs, Input{Port: w.dag.Edge(eid).To.Port, Channel: w.channels[eid]})
	}
	return inputs
}

// Outputs returns the output ports of a node with the channels of their
// edges.
func (w *Wiring) Outputs(node *kdag.Node) Outputs {
	out := make(Outputs, len(node.Outputs))
	for _, port := range node.Outputs {
		for _, eid := range w.dag.OutEdges(node.ID, port.ID) {
			out[port.ID] = append(out[port.ID], w.channels[eid])
		}
	}
	return out
}

// EdgeName renders an edge for logs and metrics.
func (w *Wiring) EdgeName(id kdag.EdgeID) string {
	e := w.dag.Edge(id)
	return fmt.Sprintf("%s->%s", e.From, e.To)
}

// Depths returns the number of buffered items per edge.
func (w *Wiring) Depths() map[kdag.EdgeID]int {
	depths := make(map[kdag.EdgeID]int, len(w.channels))
	for i, ch := range w.channels {
		depths[kdag.EdgeID(i)] = ch.Len()
	}
	return depths
}
