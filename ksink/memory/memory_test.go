package memory

import (
	"context"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/birdayz/dagstream/krecord"
)

func op(i int64) krecord.Operation {
	return krecord.Insert(krecord.NewRecord(krecord.SchemaID{ID: 1}, krecord.Int(i)))
}

func TestCollector(t *testing.T) {
	ctx := context.Background()
	c := New()

	assert.NoError(t, c.Commit(ctx, 0, op(1)))
	assert.NoError(t, c.Commit(ctx, 1, op(2)))
	assert.NoError(t, c.OnEpochCommitted(ctx, 1))
	assert.NoError(t, c.Commit(ctx, 0, op(3)))
	assert.NoError(t, c.OnEpochCommitted(ctx, 2))

	assert.Equal(t, []string{"Insert(1)", "Insert(2)", "Insert(3)"}, c.Strings())
	assert.Equal(t, []krecord.PortID{0, 1, 0}, c.Ports())
	assert.Equal(t, []uint64{1, 2}, c.Epochs())
	assert.Equal(t, 2, len(c.EpochOperations(1)))
	assert.Equal(t, 1, len(c.EpochOperations(2)))
	assert.Equal(t, 0, len(c.EpochOperations(3)))
}

func TestWaitFor(t *testing.T) {
	c := New()
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = c.Commit(context.Background(), 0, op(1))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, c.WaitFor(ctx, func(c *Collector) bool { return c.Len() == 1 }))

	short, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	assert.IsError(t, c.WaitFor(short, func(c *Collector) bool { return c.Len() == 2 }), context.DeadlineExceeded)
}
