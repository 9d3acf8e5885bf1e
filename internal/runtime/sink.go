package runtime

import (
	"context"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/birdayz/dagstream/internal/channel"
	"github.com/birdayz/dagstream/kdag"
	"github.com/birdayz/dagstream/kprocessor"
	"github.com/birdayz/dagstream/krecord"
)

// SinkRunner drives a sink node.
type SinkRunner struct {
	node   *kdag.Node
	sink   kprocessor.Sink
	inputs []Input
	env    *Env
	log    logr.Logger

	restoreEpoch uint64
	state        []byte

	epoch uint64
	port  krecord.PortID
}

func NewSinkRunner(node *kdag.Node, inputs []Input, epoch uint64, state []byte, env *Env) *SinkRunner {
	return &SinkRunner{
		node:         node,
		sink:         node.Sink,
		inputs:       inputs,
		env:          env,
		log:          env.Log.WithName("sink").WithValues("node", node.ID),
		restoreEpoch: epoch,
		state:        state,
		epoch:        epoch,
	}
}

func (r *SinkRunner) ID() kdag.NodeID { return r.node.ID }

func (r *SinkRunner) fail(stage ProcessingStage, err error) error {
	r.env.Metrics.Error(string(r.node.ID))
	return &ProcessingError{Node: r.node.ID, Stage: stage, Port: r.port, Epoch: r.epoch + 1, Cause: err}
}

func (r *SinkRunner) Run() (err error) {
	if err := r.sink.Init(newNodeContext(r.node, r.env.Log)); err != nil {
		return r.fail(StageInit, err)
	}
	defer func() {
		if cerr := r.sink.Close(); cerr != nil {
			err = multierr.Append(err, r.fail(StageClose, cerr))
		}
	}()

	if err := restore(r.sink, r.state); err != nil {
		return r.fail(StageRestore, err)
	}

	if err := newAligner(r.inputs, r, r.restoreEpoch).run(r.env.Kill); err != nil {
		return attribute(err, r.fail)
	}
	return nil
}

func (r *SinkRunner) operation(ctx context.Context, port krecord.PortID, op krecord.Operation) error {
	r.port = port
	if err := r.sink.Commit(ctx, port, op); err != nil {
		return r.fail(StageCommit, err)
	}
	r.env.Metrics.Operation(string(r.node.ID))
	return nil
}

func (r *SinkRunner) aligned(ctx context.Context, b channel.Barrier) error {
	if err := r.sink.OnEpochCommitted(ctx, b.Epoch); err != nil {
		return r.fail(StageEpochDone, err)
	}

	state, err := snapshot(r.sink)
	if err != nil {
		return r.fail(StageSnapshot, err)
	}
	r.epoch = b.Epoch

	if err := r.env.report(Report{Node: r.node.ID, Epoch: b.Epoch, State: state}); err != nil {
		return r.fail(StageReport, err)
	}
	r.log.V(1).Info("Aligned", "epoch", b.Epoch)
	return nil
}

func (r *SinkRunner) finished(context.Context) error {
	r.log.V(1).Info("All inputs closed")
	return nil
}
