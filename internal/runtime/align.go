package runtime

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/birdayz/dagstream/internal/channel"
	"github.com/birdayz/dagstream/krecord"
)

type inputState int

const (
	inputOpen inputState = iota
	inputBlocked
	inputClosed
)

type alignedInput struct {
	Input
	state inputState
}

// alignHandler is what a processor or sink does with its inputs.
type alignHandler interface {
	operation(ctx context.Context, port krecord.PortID, op krecord.Operation) error
	aligned(ctx context.Context, b channel.Barrier) error
	finished(ctx context.Context) error
}

// aligner implements barrier alignment over the inputs of one node.
//
// An input that delivered the barrier of the pending epoch is blocked: no
// further items are taken from it until every other input delivered the
// same barrier or closed. At that point the handler's aligned runs and all
// inputs are unblocked. Items behind a barrier therefore always belong to
// the next epoch.
type aligner struct {
	inputs  []*alignedInput
	handler alignHandler

	lastAligned uint64
	pending     *channel.Barrier

	cases []reflect.SelectCase
	index []int
}

func newAligner(inputs []Input, handler alignHandler, lastAligned uint64) *aligner {
	a := &aligner{handler: handler, lastAligned: lastAligned}
	for _, in := range inputs {
		a.inputs = append(a.inputs, &alignedInput{Input: in})
	}
	return a
}

// run consumes the inputs until all of them closed. ctx is the kill
// context.
func (a *aligner) run(ctx context.Context) error {
	for {
		if a.allClosed() {
			return a.handler.finished(ctx)
		}

		in, item, ok, err := a.next(ctx)
		if err != nil {
			return err
		}

		if !ok {
			in.state = inputClosed
			if err := a.maybeAligned(ctx); err != nil {
				return err
			}
			continue
		}

		if item.IsBarrier() {
			if err := a.barrier(ctx, in, *item.Barrier); err != nil {
				return err
			}
			continue
		}

		if err := a.handler.operation(ctx, in.Port, item.Op); err != nil {
			return err
		}
	}
}

func (a *aligner) barrier(ctx context.Context, in *alignedInput, b channel.Barrier) error {
	if b.Epoch <= a.lastAligned {
		return fmt.Errorf("%w: got %d on port %d after %d", ErrBarrierOutOfOrder, b.Epoch, in.Port, a.lastAligned)
	}
	if a.pending != nil && a.pending.Epoch != b.Epoch {
		return fmt.Errorf("%w: got %d on port %d while aligning %d", ErrBarrierMismatch, b.Epoch, in.Port, a.pending.Epoch)
	}
	if a.pending == nil {
		a.pending = &b
	}
	a.pending.Final = a.pending.Final || b.Final
	in.state = inputBlocked
	return a.maybeAligned(ctx)
}

func (a *aligner) maybeAligned(ctx context.Context) error {
	if a.pending == nil {
		return nil
	}
	for _, in := range a.inputs {
		if in.state == inputOpen {
			return nil
		}
	}

	b := *a.pending
	if err := a.handler.aligned(ctx, b); err != nil {
		return err
	}
	a.lastAligned = b.Epoch
	a.pending = nil
	for _, in := range a.inputs {
		if in.state == inputBlocked {
			in.state = inputOpen
		}
	}
	return nil
}

func (a *aligner) allClosed() bool {
	for _, in := range a.inputs {
		if in.state != inputClosed {
			return false
		}
	}
	return true
}

// next receives from any open input. With a single open input it avoids
// the reflective select.
func (a *aligner) next(ctx context.Context) (*alignedInput, channel.Item, bool, error) {
	a.cases = a.cases[:0]
	a.index = a.index[:0]
	for i, in := range a.inputs {
		if in.state != inputOpen {
			continue
		}
		a.cases = append(a.cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(in.Channel.C())})
		a.index = append(a.index, i)
	}

	if len(a.index) == 0 {
		return nil, channel.Item{}, false, errors.New("all inputs blocked")
	}

	if len(a.index) == 1 {
		in := a.inputs[a.index[0]]
		item, ok, err := in.Channel.Recv(ctx)
		return in, item, ok, err
	}

	a.cases = append(a.cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})
	chosen, value, ok := reflect.Select(a.cases)
	if chosen == len(a.cases)-1 {
		return nil, channel.Item{}, false, ctx.Err()
	}
	in := a.inputs[a.index[chosen]]
	if !ok {
		return in, channel.Item{}, false, nil
	}
	in.Channel.Received()
	return in, value.Interface().(channel.Item), true, nil
}
