// Package channel implements the bounded edges between nodes. An edge has
// exactly one producer and one consumer, preserves order and never drops
// items. A full edge blocks the producer; closing it signals end of stream.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/birdayz/dagstream/krecord"
)

// DefaultCapacity is used when an edge does not configure one.
const DefaultCapacity = 256

var ErrClosed = errors.New("channel: send on closed channel")

// Barrier marks the end of an epoch on an edge. It is a control item and
// never reaches a processor's Process method.
type Barrier struct {
	Epoch uint64
	// Final is set on the barrier that precedes closing the edge after
	// all sources reached the end of their streams.
	Final bool
}

// Item is either an Operation or a Barrier.
type Item struct {
	Op      krecord.Operation
	Barrier *Barrier
	// Seq is assigned by Send and increases by one per item on an edge.
	Seq uint64
}

func OpItem(op krecord.Operation) Item { return Item{Op: op} }

func BarrierItem(b Barrier) Item { return Item{Barrier: &b} }

func (i Item) IsBarrier() bool { return i.Barrier != nil }

func (i Item) String() string {
	if i.Barrier != nil {
		return fmt.Sprintf("Barrier(%d)", i.Barrier.Epoch)
	}
	return i.Op.String()
}

// Channel is a bounded single-producer, single-consumer FIFO.
type Channel struct {
	ch chan Item

	mu     sync.Mutex
	closed bool

	sent     atomic.Uint64
	received atomic.Uint64
}

// New creates a channel holding at most capacity items.
// A capacity below one selects DefaultCapacity.
func New(capacity int) *Channel {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Channel{ch: make(chan Item, capacity)}
}

// Send enqueues item, blocking while the channel is full. It returns
// ctx.Err() if ctx is done first.
func (c *Channel) Send(ctx context.Context, item Item) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	item.Seq = c.sent.Load() + 1
	select {
	case c.ch <- item:
		c.sent.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv dequeues the next item. ok is false once the channel is closed and
// drained. err is set only when ctx is done first.
func (c *Channel) Recv(ctx context.Context) (item Item, ok bool, err error) {
	select {
	case item, ok = <-c.ch:
		if ok {
			c.received.Add(1)
		}
		return item, ok, nil
	case <-ctx.Done():
		return Item{}, false, ctx.Err()
	}
}

// C exposes the receive side for consumers that select over several
// channels. Items taken from C must be reported with Received.
func (c *Channel) C() <-chan Item {
	return c.ch
}

// Received records that an item was taken from C directly.
func (c *Channel) Received() {
	c.received.Add(1)
}

// Close marks the end of the stream. Only the producer may call it; it is
// safe to call more than once.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}

func (c *Channel) Len() int { return len(c.ch) }

func (c *Channel) Cap() int { return cap(c.ch) }

// Stats returns the number of items sent and received so far.
func (c *Channel) Stats() (sent, received uint64) {
	return c.sent.Load(), c.received.Load()
}
