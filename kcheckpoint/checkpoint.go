// Package kcheckpoint defines the durable store for epoch checkpoints.
//
// A checkpoint is written per node and epoch. An epoch only becomes
// visible once its commit marker has been written with
// MarkEpochCommitted, which the coordinator does after every node's
// checkpoint for that epoch was stored. Until then Latest and recovery
// ignore the epoch, so a crash between Put and MarkEpochCommitted leaves
// the previous epoch in effect.
package kcheckpoint

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/birdayz/dagstream/kdag"
	"github.com/birdayz/dagstream/krecord"
)

var (
	ErrNotFound    = errors.New("checkpoint: not found")
	ErrStoreClosed = errors.New("checkpoint: store closed")
	ErrCorrupt     = errors.New("checkpoint: corrupt data")
	ErrEpochOrder  = errors.New("checkpoint: epoch must be greater than the last committed epoch")
)

// Checkpoint is the state of one node at the end of one epoch.
type Checkpoint struct {
	Node  kdag.NodeID `msgpack:"node"`
	Epoch uint64      `msgpack:"epoch"`
	State []byte      `msgpack:"state"`

	// SourceOffset is the resume token of a source node: the offset of the
	// last operation it emitted before the epoch's barrier.
	SourceOffset krecord.Offset `msgpack:"offset,omitempty"`

	CreatedAt time.Time `msgpack:"created_at"`
}

// Store persists checkpoints. All methods must be crash consistent: a Put
// that did not complete is never returned.
type Store interface {
	// Put stores the checkpoint of cp.Node for cp.Epoch, replacing an
	// earlier Put for the same node and epoch.
	Put(ctx context.Context, cp Checkpoint) error

	// Get returns the checkpoint of node at epoch, committed or not.
	Get(ctx context.Context, node kdag.NodeID, epoch uint64) (Checkpoint, error)

	// Latest returns the newest checkpoint of node in a committed epoch.
	Latest(ctx context.Context, node kdag.NodeID) (Checkpoint, error)

	// MarkEpochCommitted writes the commit marker of epoch. Marking the
	// last committed epoch again is a no-op; marking an older one fails
	// with ErrEpochOrder.
	MarkEpochCommitted(ctx context.Context, epoch uint64) error

	// LastCommittedEpoch returns the newest committed epoch. ok is false
	// when no epoch was ever committed.
	LastCommittedEpoch(ctx context.Context) (epoch uint64, ok bool, err error)

	// CommittedEpochs lists committed epochs in ascending order.
	CommittedEpochs(ctx context.Context) ([]uint64, error)

	// Prune deletes checkpoints and markers of epochs lower than before.
	// The last committed epoch is always kept.
	Prune(ctx context.Context, before uint64) error

	Close() error
}

const envelopeVersion = 1

type envelope struct {
	Version  int    `msgpack:"v"`
	Checksum uint32 `msgpack:"crc"`
	Payload  []byte `msgpack:"p"`
}

// Encode serializes cp into a self-checking blob for byte oriented stores.
func Encode(cp Checkpoint) ([]byte, error) {
	payload, err := msgpack.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return msgpack.Marshal(envelope{
		Version:  envelopeVersion,
		Checksum: crc32.ChecksumIEEE(payload),
		Payload:  payload,
	})
}

// Decode reverses Encode. Truncated or modified blobs fail with ErrCorrupt.
func Decode(data []byte) (Checkpoint, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if env.Version != envelopeVersion {
		return Checkpoint{}, fmt.Errorf("%w: unknown version %d", ErrCorrupt, env.Version)
	}
	if crc32.ChecksumIEEE(env.Payload) != env.Checksum {
		return Checkpoint{}, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	var cp Checkpoint
	if err := msgpack.Unmarshal(env.Payload, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return cp, nil
}

// CheckMarkOrder implements the MarkEpochCommitted ordering rule for store
// implementations. done is true when epoch is already the last committed
// epoch.
func CheckMarkOrder(epoch, last uint64, hasLast bool) (done bool, err error) {
	if !hasLast {
		return false, nil
	}
	switch {
	case epoch == last:
		return true, nil
	case epoch < last:
		return false, fmt.Errorf("%w: %d < %d", ErrEpochOrder, epoch, last)
	}
	return false, nil
}
