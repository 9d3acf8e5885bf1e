package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/birdayz/dagstream/krecord"
)

func op(id int64) krecord.Operation {
	return krecord.Insert(krecord.NewRecord(krecord.SchemaID{ID: 1}, krecord.Int(id)))
}

func TestChannelFIFO(t *testing.T) {
	ctx := context.Background()
	c := New(4)
	const n = 1000

	go func() {
		for i := 0; i < n; i++ {
			if i%100 == 99 {
				_ = c.Send(ctx, BarrierItem(Barrier{Epoch: uint64(i/100 + 1)}))
				continue
			}
			_ = c.Send(ctx, OpItem(op(int64(i))))
		}
		c.Close()
	}()

	var got []Item
	for {
		item, ok, err := c.Recv(ctx)
		assert.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, item)
	}

	assert.Equal(t, n, len(got))
	for i, item := range got {
		assert.Equal(t, uint64(i+1), item.Seq)
		if i%100 == 99 {
			assert.True(t, item.IsBarrier())
			assert.Equal(t, uint64(i/100+1), item.Barrier.Epoch)
			continue
		}
		assert.True(t, item.Op.Equal(op(int64(i))), "item %d is %s", i, item)
	}
	sent, received := c.Stats()
	assert.Equal(t, uint64(n), sent)
	assert.Equal(t, uint64(n), received)
}

func TestChannelBackpressure(t *testing.T) {
	c := New(2)
	ctx := context.Background()
	assert.NoError(t, c.Send(ctx, OpItem(op(1))))
	assert.NoError(t, c.Send(ctx, OpItem(op(2))))
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 2, c.Cap())

	timeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := c.Send(timeout, OpItem(op(3)))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	// The failed send did not enqueue anything.
	item, ok, err := c.Recv(ctx)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, item.Op.Equal(op(1)))
	assert.NoError(t, c.Send(ctx, OpItem(op(3))))
	assert.Equal(t, 2, c.Len())
}

func TestChannelClose(t *testing.T) {
	ctx := context.Background()
	c := New(0)
	assert.Equal(t, DefaultCapacity, c.Cap())

	assert.NoError(t, c.Send(ctx, OpItem(op(1))))
	c.Close()
	c.Close()

	assert.True(t, errors.Is(c.Send(ctx, OpItem(op(2))), ErrClosed))

	_, ok, err := c.Recv(ctx)
	assert.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = c.Recv(ctx)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestChannelRecvCancelled(t *testing.T) {
	c := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok, err := c.Recv(ctx)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, context.Canceled))
}
