package coordination

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/birdayz/dagstream/kcheckpoint"
	"github.com/birdayz/dagstream/kdag"
)

var ErrRecovery = errors.New("recovery failed")

// Recovery is the state a run starts from.
type Recovery struct {
	// Epoch is the last committed epoch, zero for a fresh store.
	Epoch uint64
	Fresh bool

	// Checkpoints holds the checkpoint of every node at Epoch. It is empty
	// for a fresh store.
	Checkpoints map[kdag.NodeID]kcheckpoint.Checkpoint
}

// State returns the snapshot of node, nil on a fresh start.
func (r Recovery) State(node kdag.NodeID) []byte {
	return r.Checkpoints[node].State
}

// Recover reads the last committed epoch and every node's checkpoint at
// that epoch. A committed epoch that lacks the checkpoint of a node of d,
// or whose data cannot be read, fails with ErrRecovery: the graph must not
// start from a guessed state.
func Recover(ctx context.Context, store kcheckpoint.Store, d *kdag.DAG, log logr.Logger) (Recovery, error) {
	epoch, ok, err := store.LastCommittedEpoch(ctx)
	if err != nil {
		return Recovery{}, fmt.Errorf("%w: read last committed epoch: %w", ErrRecovery, err)
	}
	if !ok {
		log.Info("No committed epoch found, starting fresh")
		return Recovery{Fresh: true, Checkpoints: map[kdag.NodeID]kcheckpoint.Checkpoint{}}, nil
	}

	rec := Recovery{Epoch: epoch, Checkpoints: make(map[kdag.NodeID]kcheckpoint.Checkpoint, d.Len())}
	for _, node := range d.Nodes() {
		cp, err := store.Get(ctx, node.ID, epoch)
		if errors.Is(err, kcheckpoint.ErrNotFound) {
			return Recovery{}, fmt.Errorf("%w: epoch %d has no checkpoint for node %s", ErrRecovery, epoch, node.ID)
		}
		if err != nil {
			return Recovery{}, fmt.Errorf("%w: node %s epoch %d: %w", ErrRecovery, node.ID, epoch, err)
		}
		if cp.Node != node.ID || cp.Epoch != epoch {
			return Recovery{}, fmt.Errorf("%w: checkpoint for %s@%d is labeled %s@%d", ErrRecovery, node.ID, epoch, cp.Node, cp.Epoch)
		}
		rec.Checkpoints[node.ID] = cp
	}

	log.Info("Recovered from checkpoint", "epoch", epoch, "nodes", len(rec.Checkpoints))
	return rec, nil
}
