package runtime

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/go-logr/logr"

	"github.com/birdayz/dagstream/internal/channel"
	"github.com/birdayz/dagstream/kconnector"
	"github.com/birdayz/dagstream/kdag"
	"github.com/birdayz/dagstream/krecord"
)

const DefaultPollInterval = 10 * time.Millisecond

// SourceRunner drives a source node. It reads events from the node's
// connector and forwards them, and it injects barriers into its outputs
// whenever the coordinator asks for one.
type SourceRunner struct {
	node      *kdag.Node
	connector kconnector.Connector
	outputs   Outputs
	barriers  <-chan channel.Barrier
	env       *Env
	log       logr.Logger

	// offset is the resume token of the last forwarded event, or the
	// restored token before the first event.
	offset krecord.Offset
	epoch  uint64
	eof    bool
}

// NewSourceRunner creates a runner that resumes after offset. Barrier
// requests arrive on barriers.
func NewSourceRunner(node *kdag.Node, outputs Outputs, barriers <-chan channel.Barrier, offset krecord.Offset, env *Env) *SourceRunner {
	return &SourceRunner{
		node:      node,
		connector: node.Source,
		outputs:   outputs,
		barriers:  barriers,
		env:       env,
		log:       env.Log.WithName("source").WithValues("node", node.ID),
		offset:    offset,
	}
}

func (r *SourceRunner) ID() kdag.NodeID { return r.node.ID }

func (r *SourceRunner) fail(stage ProcessingStage, port krecord.PortID, err error) error {
	r.env.Metrics.Error(string(r.node.ID))
	return &ProcessingError{Node: r.node.ID, Stage: stage, Port: port, Epoch: r.epoch + 1, Cause: err}
}

// Run blocks until the source has emitted the final barrier, the engine
// stops, or an error occurs. The outputs are closed in every case.
func (r *SourceRunner) Run() error {
	defer r.outputs.closeAll()

	// Stream reads are cancelled on stop so that a connector blocking in
	// Next returns promptly.
	readCtx, cancel := context.WithCancel(r.env.Kill)
	defer cancel()
	go func() {
		select {
		case <-r.env.Stop:
			cancel()
		case <-readCtx.Done():
		}
	}()

	stream, err := r.connector.Start(readCtx, r.offset)
	if err != nil {
		if r.stopping() {
			return nil
		}
		return r.fail(StageStart, 0, err)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			r.log.Error(err, "Failed to close stream")
		}
	}()

	r.log.V(1).Info("Source started", "offset", r.offset)

	for {
		// Barrier requests and stop take priority over reading.
		select {
		case <-r.env.Stop:
			r.log.V(1).Info("Source stopped")
			return nil
		case b := <-r.barriers:
			if done, err := r.barrier(b); done || err != nil {
				return err
			}
			continue
		default:
		}

		if r.eof {
			if done, err := r.idle(nil); done || err != nil {
				return err
			}
			continue
		}

		ev, err := stream.Next(readCtx)
		switch {
		case err == nil:
			if err := r.forward(ev); err != nil {
				return err
			}
		case errors.Is(err, kconnector.ErrNoData):
			timer := time.NewTimer(r.pollInterval())
			done, err := r.idle(timer.C)
			timer.Stop()
			if done || err != nil {
				return err
			}
		case errors.Is(err, io.EOF):
			r.eof = true
			r.log.Info("Source reached end of stream")
			if err := r.env.report(Report{Node: r.node.ID, EOF: true}); err != nil {
				return r.fail(StageReport, 0, err)
			}
		default:
			if r.stopping() {
				return nil
			}
			return r.fail(StageRead, 0, err)
		}
	}
}

func (r *SourceRunner) pollInterval() time.Duration {
	if r.env.PollInterval > 0 {
		return r.env.PollInterval
	}
	return DefaultPollInterval
}

// stopping reports an orderly stop. A killed runner is not stopping; its
// blocked operations fail with the kill context's error.
func (r *SourceRunner) stopping() bool {
	if r.env.Kill.Err() != nil {
		return false
	}
	select {
	case <-r.env.Stop:
		return true
	default:
		return false
	}
}

// idle waits for a barrier request, stop, or wake. done reports that the
// runner must exit.
func (r *SourceRunner) idle(wake <-chan time.Time) (done bool, err error) {
	select {
	case <-r.env.Stop:
		return true, nil
	case <-r.env.Kill.Done():
		return true, r.fail(StageRead, 0, r.env.Kill.Err())
	case b := <-r.barriers:
		return r.barrier(b)
	case <-wake:
		return false, nil
	}
}

func (r *SourceRunner) forward(ev kconnector.Event) error {
	chs, ok := r.outputs[ev.Port]
	if !ok {
		return r.fail(StageForward, ev.Port, ErrUnknownPort)
	}
	item := channel.OpItem(ev.Op.WithOffset(ev.Offset))
	for _, ch := range chs {
		if err := ch.Send(r.env.Kill, item); err != nil {
			return r.fail(StageForward, ev.Port, err)
		}
	}
	r.offset = ev.Offset
	r.env.Metrics.Operation(string(r.node.ID))
	if r.env.OnIngest != nil {
		r.env.OnIngest()
	}
	return nil
}

// barrier emits b on every output and reports readiness. After the final
// barrier the source is done.
func (r *SourceRunner) barrier(b channel.Barrier) (done bool, err error) {
	if b.Epoch <= r.epoch {
		return true, r.fail(StageBarrier, 0, ErrBarrierOutOfOrder)
	}
	if err := r.outputs.broadcast(r.env.Kill, channel.BarrierItem(b)); err != nil {
		return true, r.fail(StageBarrier, 0, err)
	}
	r.epoch = b.Epoch

	if err := r.env.report(Report{Node: r.node.ID, Epoch: b.Epoch, Offset: r.offset}); err != nil {
		return true, r.fail(StageReport, 0, err)
	}
	r.log.V(1).Info("Barrier emitted", "epoch", b.Epoch, "final", b.Final)
	return b.Final, nil
}
