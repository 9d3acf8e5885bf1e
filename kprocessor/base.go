package kprocessor

import (
	"context"

	"github.com/birdayz/dagstream/krecord"
)

// ProcessFunc is the body of a stateless processor.
type ProcessFunc func(ctx context.Context, in krecord.PortID, op krecord.Operation, out Forwarder) error

// FuncOption configures optional behavior for NewFunc processors.
type FuncOption func(*funcProcessor)

// WithInit adds custom initialization logic to a NewFunc processor.
func WithInit(fn func(NodeContext) error) FuncOption {
	return func(p *funcProcessor) {
		p.initFn = fn
	}
}

// WithClose adds custom cleanup logic to a NewFunc processor.
func WithClose(fn func() error) FuncOption {
	return func(p *funcProcessor) {
		p.closeFn = fn
	}
}

// NewFunc creates a stateless Processor from a function.
//
// Example:
//
//	kprocessor.NewFunc(func(ctx context.Context, in krecord.PortID, op krecord.Operation, out kprocessor.Forwarder) error {
//	    return out.Forward(ctx, krecord.DefaultPort, op)
//	})
func NewFunc(processFn ProcessFunc, opts ...FuncOption) Processor {
	p := &funcProcessor{processFn: processFn}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type funcProcessor struct {
	processFn ProcessFunc
	initFn    func(NodeContext) error
	closeFn   func() error
}

func (p *funcProcessor) Init(ctx NodeContext) error {
	if p.initFn != nil {
		return p.initFn(ctx)
	}
	return nil
}

func (p *funcProcessor) Process(ctx context.Context, in krecord.PortID, op krecord.Operation, out Forwarder) error {
	return p.processFn(ctx, in, op, out)
}

func (p *funcProcessor) Close() error {
	if p.closeFn != nil {
		return p.closeFn()
	}
	return nil
}
