package coordination

import (
	"context"
	"fmt"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/go-logr/logr"

	"github.com/birdayz/dagstream/kcheckpoint"
	"github.com/birdayz/dagstream/kcheckpoint/storetest"
	"github.com/birdayz/dagstream/kdag"
)

func TestRecoverFresh(t *testing.T) {
	rec, err := Recover(context.Background(), kcheckpoint.NewMemoryStore(), testDAG(t), logr.Discard())
	assert.NoError(t, err)
	assert.True(t, rec.Fresh)
	assert.Equal(t, uint64(0), rec.Epoch)
	assert.Zero(t, rec.State("sink"))
}

func commitEpoch(t *testing.T, store kcheckpoint.Store, epoch uint64, nodes ...kdag.NodeID) {
	t.Helper()
	ctx := context.Background()
	for _, n := range nodes {
		assert.NoError(t, store.Put(ctx, storetest.Checkpoint(n, epoch, fmt.Sprintf("%s@%d", n, epoch))))
	}
	assert.NoError(t, store.MarkEpochCommitted(ctx, epoch))
}

func TestRecoverLatestEpoch(t *testing.T) {
	store := kcheckpoint.NewMemoryStore()
	commitEpoch(t, store, 1, "source", "sink")
	commitEpoch(t, store, 2, "source", "sink")
	// Uncommitted epoch 3 is ignored.
	assert.NoError(t, store.Put(context.Background(), storetest.Checkpoint("sink", 3, "sink@3")))

	rec, err := Recover(context.Background(), store, testDAG(t), logr.Discard())
	assert.NoError(t, err)
	assert.False(t, rec.Fresh)
	assert.Equal(t, uint64(2), rec.Epoch)
	assert.Equal(t, []byte("sink@2"), rec.State("sink"))
	assert.Equal(t, []byte("source@2"), rec.State("source"))
}

func TestRecoverMissingNode(t *testing.T) {
	store := kcheckpoint.NewMemoryStore()
	commitEpoch(t, store, 1, "source")

	_, err := Recover(context.Background(), store, testDAG(t), logr.Discard())
	assert.IsError(t, err, ErrRecovery)
}

type corruptStore struct {
	kcheckpoint.Store
}

func (corruptStore) Get(context.Context, kdag.NodeID, uint64) (kcheckpoint.Checkpoint, error) {
	return kcheckpoint.Checkpoint{}, kcheckpoint.ErrCorrupt
}

func TestRecoverCorrupt(t *testing.T) {
	store := kcheckpoint.NewMemoryStore()
	commitEpoch(t, store, 1, "source", "sink")

	_, err := Recover(context.Background(), corruptStore{store}, testDAG(t), logr.Discard())
	assert.IsError(t, err, ErrRecovery)
	assert.IsError(t, err, kcheckpoint.ErrCorrupt)
}
