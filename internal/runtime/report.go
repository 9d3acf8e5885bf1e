package runtime

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/birdayz/dagstream/internal/channel"
	"github.com/birdayz/dagstream/internal/metrics"
	"github.com/birdayz/dagstream/kdag"
	"github.com/birdayz/dagstream/krecord"
)

// Report is sent by a node to the coordinator.
//
// A readiness report has Epoch set: the node has passed the barrier of
// Epoch and State holds its snapshot. Source nodes fill in Offset, the
// resume token of the last operation they forwarded before the barrier.
//
// A source sends a report with EOF set and Epoch zero once its stream has
// ended.
type Report struct {
	Node   kdag.NodeID
	Epoch  uint64
	State  []byte
	Offset krecord.Offset
	EOF    bool
}

// Env is the part of the engine every runner talks to.
type Env struct {
	Log     logr.Logger
	Metrics *metrics.Metrics

	// Reports is shared by all runners and read by the coordinator.
	Reports chan<- Report

	// Stop is closed when the engine shuts down. Sources stop ingesting and
	// close their outputs; other nodes drain until their inputs close.
	Stop <-chan struct{}

	// Kill is cancelled when the shutdown grace period has passed. Every
	// blocking channel operation observes it.
	Kill context.Context

	// OnIngest is called by sources for every forwarded operation.
	OnIngest func()

	// PollInterval is how long a source waits after its stream reported
	// no data.
	PollInterval time.Duration
}

func (env *Env) report(r Report) error {
	select {
	case env.Reports <- r:
		return nil
	case <-env.Kill.Done():
		return env.Kill.Err()
	}
}

// Outputs maps the output ports of a node to the channels of their edges.
type Outputs map[krecord.PortID][]*channel.Channel

func (o Outputs) all() []*channel.Channel {
	var all []*channel.Channel
	for _, chs := range o {
		all = append(all, chs...)
	}
	return all
}

func (o Outputs) closeAll() {
	for _, chs := range o {
		for _, ch := range chs {
			ch.Close()
		}
	}
}

func (o Outputs) broadcast(ctx context.Context, item channel.Item) error {
	for _, ch := range o.all() {
		if err := ch.Send(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// Input is one input port of a node and the channel of the edge feeding it.
type Input struct {
	Port    krecord.PortID
	Channel *channel.Channel
}
