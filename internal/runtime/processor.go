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

// ProcessorRunner drives a processor node.
type ProcessorRunner struct {
	node      *kdag.Node
	processor kprocessor.Processor
	inputs    []Input
	outputs   Outputs
	forwarder *edgeForwarder
	env       *Env
	log       logr.Logger

	restoreEpoch uint64
	state        []byte

	// epoch is the last epoch the processor aligned on.
	epoch uint64
	port  krecord.PortID
}

// NewProcessorRunner creates a runner. state is the snapshot to restore, taken
// at epoch; a nil state means a fresh start.
func NewProcessorRunner(node *kdag.Node, inputs []Input, outputs Outputs, epoch uint64, state []byte, env *Env) *ProcessorRunner {
	return &ProcessorRunner{
		node:         node,
		processor:    node.Processor,
		inputs:       inputs,
		outputs:      outputs,
		forwarder:    &edgeForwarder{node: node.ID, outputs: outputs},
		env:          env,
		log:          env.Log.WithName("processor").WithValues("node", node.ID),
		restoreEpoch: epoch,
		state:        state,
		epoch:        epoch,
	}
}

func (r *ProcessorRunner) ID() kdag.NodeID { return r.node.ID }

func (r *ProcessorRunner) fail(stage ProcessingStage, err error) error {
	r.env.Metrics.Error(string(r.node.ID))
	return &ProcessingError{Node: r.node.ID, Stage: stage, Port: r.port, Epoch: r.epoch + 1, Cause: err}
}

// Run initializes the processor, restores its state and processes until
// every input is closed. The outputs are closed when Run returns.
func (r *ProcessorRunner) Run() (err error) {
	defer r.outputs.closeAll()

	if err := r.processor.Init(newNodeContext(r.node, r.env.Log)); err != nil {
		return r.fail(StageInit, err)
	}
	defer func() {
		if cerr := r.processor.Close(); cerr != nil {
			err = multierr.Append(err, r.fail(StageClose, cerr))
		}
	}()

	if err := restore(r.processor, r.state); err != nil {
		return r.fail(StageRestore, err)
	}

	if err := newAligner(r.inputs, r, r.restoreEpoch).run(r.env.Kill); err != nil {
		return attribute(err, r.fail)
	}
	return nil
}

func (r *ProcessorRunner) operation(ctx context.Context, port krecord.PortID, op krecord.Operation) error {
	r.port = port
	if err := r.processor.Process(ctx, port, op, r.forwarder); err != nil {
		return r.fail(StageProcess, err)
	}
	r.env.Metrics.Operation(string(r.node.ID))
	return nil
}

func (r *ProcessorRunner) aligned(ctx context.Context, b channel.Barrier) error {
	if err := r.flush(ctx); err != nil {
		return err
	}
	if err := r.outputs.broadcast(ctx, channel.BarrierItem(b)); err != nil {
		return r.fail(StageBarrier, err)
	}

	state, err := snapshot(r.processor)
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

func (r *ProcessorRunner) finished(ctx context.Context) error {
	r.log.V(1).Info("All inputs closed")
	return r.flush(ctx)
}

func (r *ProcessorRunner) flush(ctx context.Context) error {
	f, ok := r.processor.(kprocessor.Flusher)
	if !ok {
		return nil
	}
	if err := f.Flush(ctx, r.forwarder); err != nil {
		return r.fail(StageFlush, err)
	}
	return nil
}

func snapshot(node any) ([]byte, error) {
	s, ok := node.(kprocessor.Stateful)
	if !ok {
		return nil, nil
	}
	return s.Snapshot()
}

func restore(node any, state []byte) error {
	s, ok := node.(kprocessor.Stateful)
	if !ok || state == nil {
		return nil
	}
	return s.Restore(state)
}
