// Package memory is a sink that keeps everything it is given in memory.
// It is used in tests and examples.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/birdayz/dagstream/kprocessor"
	"github.com/birdayz/dagstream/krecord"
)

type Collector struct {
	mu     sync.Mutex
	ops    []krecord.Operation
	ports  []krecord.PortID
	epochs []uint64
	// marks[i] is len(ops) when epochs[i] was committed.
	marks   []int
	changed chan struct{}
	inits   int
}

var _ kprocessor.Sink = (*Collector)(nil)

func New() *Collector {
	return &Collector{changed: make(chan struct{})}
}

func (c *Collector) Init(kprocessor.NodeContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inits++
	return nil
}

func (c *Collector) Commit(_ context.Context, in krecord.PortID, op krecord.Operation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, op)
	c.ports = append(c.ports, in)
	c.signal()
	return nil
}

func (c *Collector) OnEpochCommitted(_ context.Context, epoch uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epochs = append(c.epochs, epoch)
	c.marks = append(c.marks, len(c.ops))
	c.signal()
	return nil
}

func (c *Collector) Close() error { return nil }

// signal wakes all waiters. Callers hold mu.
func (c *Collector) signal() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Operations returns every committed operation in arrival order.
func (c *Collector) Operations() []krecord.Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.ops)
}

// Ports returns the input port of every operation in Operations.
func (c *Collector) Ports() []krecord.PortID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.ports)
}

// Strings renders Operations.
func (c *Collector) Strings() []string {
	ops := c.Operations()
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.String()
	}
	return out
}

// Epochs returns the epochs passed to OnEpochCommitted.
func (c *Collector) Epochs() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.epochs)
}

// EpochOperations returns the operations committed between the barriers
// of epoch-1 and epoch.
func (c *Collector) EpochOperations(epoch uint64) []krecord.Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := slices.Index(c.epochs, epoch)
	if i < 0 {
		return nil
	}
	start := 0
	if i > 0 {
		start = c.marks[i-1]
	}
	return slices.Clone(c.ops[start:c.marks[i]])
}

// Inits returns how often the sink was initialized.
func (c *Collector) Inits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inits
}

// WaitFor blocks until cond holds or ctx is done.
func (c *Collector) WaitFor(ctx context.Context, cond func(c *Collector) bool) error {
	for {
		c.mu.Lock()
		changed := c.changed
		c.mu.Unlock()

		if cond(c) {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Len returns the number of committed operations.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ops)
}
