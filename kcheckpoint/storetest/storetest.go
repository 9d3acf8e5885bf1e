// Package storetest is a conformance suite for kcheckpoint.Store
// implementations.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/birdayz/dagstream/kcheckpoint"
	"github.com/birdayz/dagstream/kdag"
	"github.com/birdayz/dagstream/krecord"
)

// NewStore returns an empty store. The suite closes it.
type NewStore func(t *testing.T) kcheckpoint.Store

// Run runs every conformance test against stores built by newStore.
func Run(t *testing.T, newStore NewStore) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s kcheckpoint.Store)
	}{
		{"FreshStore", testFreshStore},
		{"PutGet", testPutGet},
		{"PutReplaces", testPutReplaces},
		{"LatestIgnoresUncommitted", testLatestIgnoresUncommitted},
		{"LatestSkipsEpochsWithoutNode", testLatestSkipsEpochsWithoutNode},
		{"MarkOrder", testMarkOrder},
		{"Prune", testPrune},
		{"PruneKeepsLastCommitted", testPruneKeepsLastCommitted},
		{"Closed", testClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func Checkpoint(node kdag.NodeID, epoch uint64, state string) kcheckpoint.Checkpoint {
	return kcheckpoint.Checkpoint{
		Node:      node,
		Epoch:     epoch,
		State:     []byte(state),
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func assertSame(t *testing.T, want, got kcheckpoint.Checkpoint) {
	t.Helper()
	assert.Equal(t, want.Node, got.Node)
	assert.Equal(t, want.Epoch, got.Epoch)
	assert.Equal(t, string(want.State), string(got.State))
	assert.Equal(t, string(want.SourceOffset), string(got.SourceOffset))
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created at %v != %v", want.CreatedAt, got.CreatedAt)
}

func testFreshStore(t *testing.T, s kcheckpoint.Store) {
	ctx := context.Background()

	_, ok, err := s.LastCommittedEpoch(ctx)
	assert.NoError(t, err)
	assert.False(t, ok)

	epochs, err := s.CommittedEpochs(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, len(epochs))

	_, err = s.Latest(ctx, "source")
	assert.IsError(t, err, kcheckpoint.ErrNotFound)

	_, err = s.Get(ctx, "source", 1)
	assert.IsError(t, err, kcheckpoint.ErrNotFound)
}

func testPutGet(t *testing.T, s kcheckpoint.Store) {
	ctx := context.Background()

	cp := Checkpoint("source", 1, "state-1")
	cp.SourceOffset = krecord.Offset{0, 0, 0, 7}
	assert.NoError(t, s.Put(ctx, cp))

	got, err := s.Get(ctx, "source", 1)
	assert.NoError(t, err)
	assertSame(t, cp, got)

	_, err = s.Get(ctx, "source", 2)
	assert.IsError(t, err, kcheckpoint.ErrNotFound)
	_, err = s.Get(ctx, "other", 1)
	assert.IsError(t, err, kcheckpoint.ErrNotFound)
}

func testPutReplaces(t *testing.T, s kcheckpoint.Store) {
	ctx := context.Background()

	assert.NoError(t, s.Put(ctx, Checkpoint("agg", 1, "first")))
	assert.NoError(t, s.Put(ctx, Checkpoint("agg", 1, "second")))

	got, err := s.Get(ctx, "agg", 1)
	assert.NoError(t, err)
	assert.Equal(t, "second", string(got.State))
}

func testLatestIgnoresUncommitted(t *testing.T, s kcheckpoint.Store) {
	ctx := context.Background()

	assert.NoError(t, s.Put(ctx, Checkpoint("agg", 1, "one")))
	assert.NoError(t, s.MarkEpochCommitted(ctx, 1))
	assert.NoError(t, s.Put(ctx, Checkpoint("agg", 2, "two")))

	got, err := s.Latest(ctx, "agg")
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), got.Epoch)
	assert.Equal(t, "one", string(got.State))

	last, ok, err := s.LastCommittedEpoch(ctx)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), last)

	assert.NoError(t, s.MarkEpochCommitted(ctx, 2))
	got, err = s.Latest(ctx, "agg")
	assert.NoError(t, err)
	assert.Equal(t, "two", string(got.State))
}

func testLatestSkipsEpochsWithoutNode(t *testing.T, s kcheckpoint.Store) {
	ctx := context.Background()

	assert.NoError(t, s.Put(ctx, Checkpoint("a", 1, "a1")))
	assert.NoError(t, s.Put(ctx, Checkpoint("b", 1, "b1")))
	assert.NoError(t, s.MarkEpochCommitted(ctx, 1))
	assert.NoError(t, s.Put(ctx, Checkpoint("a", 2, "a2")))
	assert.NoError(t, s.MarkEpochCommitted(ctx, 2))

	got, err := s.Latest(ctx, "b")
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), got.Epoch)

	got, err = s.Latest(ctx, "a")
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), got.Epoch)
}

func testMarkOrder(t *testing.T, s kcheckpoint.Store) {
	ctx := context.Background()

	assert.NoError(t, s.MarkEpochCommitted(ctx, 1))
	assert.NoError(t, s.MarkEpochCommitted(ctx, 2))
	assert.NoError(t, s.MarkEpochCommitted(ctx, 2))
	assert.IsError(t, s.MarkEpochCommitted(ctx, 1), kcheckpoint.ErrEpochOrder)

	epochs, err := s.CommittedEpochs(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, epochs)
}

func testPrune(t *testing.T, s kcheckpoint.Store) {
	ctx := context.Background()

	for epoch := uint64(1); epoch <= 4; epoch++ {
		assert.NoError(t, s.Put(ctx, Checkpoint("n", epoch, "x")))
		assert.NoError(t, s.MarkEpochCommitted(ctx, epoch))
	}

	assert.NoError(t, s.Prune(ctx, 3))

	epochs, err := s.CommittedEpochs(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []uint64{3, 4}, epochs)

	_, err = s.Get(ctx, "n", 2)
	assert.IsError(t, err, kcheckpoint.ErrNotFound)
	_, err = s.Get(ctx, "n", 3)
	assert.NoError(t, err)
}

func testPruneKeepsLastCommitted(t *testing.T, s kcheckpoint.Store) {
	ctx := context.Background()

	assert.NoError(t, s.Put(ctx, Checkpoint("n", 1, "x")))
	assert.NoError(t, s.MarkEpochCommitted(ctx, 1))

	assert.NoError(t, s.Prune(ctx, 10))

	last, ok, err := s.LastCommittedEpoch(ctx)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), last)

	_, err = s.Latest(ctx, "n")
	assert.NoError(t, err)
}

func testClosed(t *testing.T, s kcheckpoint.Store) {
	ctx := context.Background()

	assert.NoError(t, s.Close())

	assert.IsError(t, s.Put(ctx, Checkpoint("n", 1, "x")), kcheckpoint.ErrStoreClosed)
	_, err := s.Get(ctx, "n", 1)
	assert.IsError(t, err, kcheckpoint.ErrStoreClosed)
	_, err = s.Latest(ctx, "n")
	assert.IsError(t, err, kcheckpoint.ErrStoreClosed)
	assert.IsError(t, s.MarkEpochCommitted(ctx, 1), kcheckpoint.ErrStoreClosed)
	_, _, err = s.LastCommittedEpoch(ctx)
	assert.IsError(t, err, kcheckpoint.ErrStoreClosed)
	assert.IsError(t, s.Prune(ctx, 1), kcheckpoint.ErrStoreClosed)
}
