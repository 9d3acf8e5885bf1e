package runtime

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/birdayz/dagstream/internal/channel"
	"github.com/birdayz/dagstream/kdag"
	"github.com/birdayz/dagstream/kprocessor"
	"github.com/birdayz/dagstream/krecord"
)

// edgeForwarder delivers operations to every edge of an output port. With
// fan-out the operation is sent to the edges in edge order, so a slow
// consumer on one edge stalls the others.
type edgeForwarder struct {
	node    kdag.NodeID
	outputs Outputs
}

var _ kprocessor.Forwarder = (*edgeForwarder)(nil)

func (f *edgeForwarder) Forward(ctx context.Context, port krecord.PortID, op krecord.Operation) error {
	chs, ok := f.outputs[port]
	if !ok {
		return fmt.Errorf("node %s: %w %d", f.node, ErrUnknownPort, port)
	}
	item := channel.OpItem(op)
	for _, ch := range chs {
		if err := ch.Send(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

type nodeContext struct {
	node *kdag.Node
	log  logr.Logger
}

var _ kprocessor.NodeContext = (*nodeContext)(nil)

func newNodeContext(node *kdag.Node, log logr.Logger) *nodeContext {
	return &nodeContext{
		node: node,
		log:  log.WithName(string(node.ID)).WithValues("node", node.ID),
	}
}

func (c *nodeContext) NodeID() string { return string(c.node.ID) }

func (c *nodeContext) Logger() logr.Logger { return c.log }

func (c *nodeContext) InputSchema(port krecord.PortID) (krecord.Schema, bool) {
	p, ok := c.node.Input(port)
	return p.Schema, ok
}

func (c *nodeContext) OutputSchema(port krecord.PortID) (krecord.Schema, bool) {
	p, ok := c.node.Output(port)
	return p.Schema, ok
}
